// Package storetest holds the behaviour every domain.KeyStore must have.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"carecrypt/internal/domain"
)

// Run exercises store against the KeyStore contract. open returns a fresh,
// empty store for each subtest.
func Run(t *testing.T, open func(t *testing.T) domain.KeyStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("values", func(t *testing.T) {
		s := open(t)
		if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
			t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
		}
		if err := s.Put(ctx, "counter", []byte{1, 2}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		v, ok, err := s.Get(ctx, "counter")
		if err != nil || !ok || len(v) != 2 || v[1] != 2 {
			t.Fatalf("Get = %v, %v, %v", v, ok, err)
		}
	})

	t.Run("identity", func(t *testing.T) {
		s := open(t)
		if _, err := s.LoadIdentity(ctx); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("LoadIdentity on empty store: %v", err)
		}
		id := domain.Identity{
			XPub:      domain.X25519Public{1},
			XPriv:     domain.X25519Private{2},
			EdPub:     domain.Ed25519Public{3},
			EdPriv:    domain.Ed25519Private{4},
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		}
		if err := s.StoreIdentity(ctx, id); err != nil {
			t.Fatalf("StoreIdentity: %v", err)
		}
		got, err := s.LoadIdentity(ctx)
		if err != nil {
			t.Fatalf("LoadIdentity: %v", err)
		}
		if got.XPub != id.XPub || got.EdPriv != id.EdPriv || !got.CreatedAt.Equal(id.CreatedAt) {
			t.Fatalf("mismatch after load: %+v", got)
		}
	})

	t.Run("pre-keys", func(t *testing.T) {
		s := open(t)
		for _, id := range []domain.KeyID{3, 1, 2} {
			if err := s.StorePreKey(ctx, domain.OneTimePreKey{ID: id, Pub: domain.X25519Public{byte(id)}}); err != nil {
				t.Fatalf("StorePreKey: %v", err)
			}
		}
		list, err := s.ListPreKeys(ctx)
		if err != nil || len(list) != 3 || list[0].ID != 1 || list[2].ID != 3 {
			t.Fatalf("ListPreKeys = %v, %v", list, err)
		}
		k, err := s.LoadPreKey(ctx, 2)
		if err != nil || k.Pub[0] != 2 {
			t.Fatalf("LoadPreKey = %+v, %v", k, err)
		}
		if err := s.RemovePreKey(ctx, 2); err != nil {
			t.Fatalf("RemovePreKey: %v", err)
		}
		if err := s.RemovePreKey(ctx, 2); err != nil {
			t.Fatalf("RemovePreKey twice: %v", err)
		}
		if _, err := s.LoadPreKey(ctx, 2); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("LoadPreKey after remove: %v", err)
		}
	})

	t.Run("signed pre-keys", func(t *testing.T) {
		s := open(t)
		base := time.Unix(1700000000, 0).UTC()
		older := domain.SignedPreKey{ID: 900, Signature: []byte{1}, CreatedAt: base}
		newer := domain.SignedPreKey{ID: 5, Signature: []byte{2}, CreatedAt: base.Add(time.Hour)}
		for _, k := range []domain.SignedPreKey{newer, older} {
			if err := s.StoreSignedPreKey(ctx, k); err != nil {
				t.Fatalf("StoreSignedPreKey: %v", err)
			}
		}
		list, err := s.ListSignedPreKeys(ctx)
		if err != nil || len(list) != 2 || list[0].ID != 900 {
			t.Fatalf("ListSignedPreKeys = %v, %v", list, err)
		}
		got, err := s.LoadSignedPreKey(ctx, 5)
		if err != nil || len(got.Signature) != 1 || got.Signature[0] != 2 {
			t.Fatalf("LoadSignedPreKey = %+v, %v", got, err)
		}
		if err := s.RemoveSignedPreKey(ctx, 5); err != nil {
			t.Fatalf("RemoveSignedPreKey: %v", err)
		}
		if _, err := s.LoadSignedPreKey(ctx, 5); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("LoadSignedPreKey after remove: %v", err)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		s := open(t)
		sess := domain.Session{
			ID:              "s1",
			PeerID:          "bob",
			RootKey:         []byte{1},
			SendingChainKey: []byte{2},
			SentCount:       4,
			SkippedKeys:     map[uint64][]byte{7: {9}},
		}
		if err := s.StoreSession(ctx, sess); err != nil {
			t.Fatalf("StoreSession: %v", err)
		}
		got, err := s.LoadSession(ctx, "bob")
		if err != nil || got.ID != "s1" || got.SentCount != 4 || got.SkippedKeys[7][0] != 9 {
			t.Fatalf("LoadSession = %+v, %v", got, err)
		}
		got.SendingChainKey[0] = 0xff
		again, _ := s.LoadSession(ctx, "bob")
		if again.SendingChainKey[0] != 2 {
			t.Fatal("caller mutation leaked into the store")
		}
		list, err := s.ListSessions(ctx)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListSessions = %v, %v", list, err)
		}
		if err := s.RemoveSession(ctx, "bob"); err != nil {
			t.Fatalf("RemoveSession: %v", err)
		}
		if _, err := s.LoadSession(ctx, "bob"); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("LoadSession after remove: %v", err)
		}
	})

	t.Run("wipe all", func(t *testing.T) {
		s := open(t)
		_ = s.StoreIdentity(ctx, domain.Identity{XPub: domain.X25519Public{1}})
		_ = s.StorePreKey(ctx, domain.OneTimePreKey{ID: 1})
		_ = s.StoreSignedPreKey(ctx, domain.SignedPreKey{ID: 1})
		_ = s.StoreSession(ctx, domain.Session{PeerID: "bob"})
		_ = s.Put(ctx, "k", []byte("v"))
		if err := s.WipeAll(ctx); err != nil {
			t.Fatalf("WipeAll: %v", err)
		}
		if _, err := s.LoadIdentity(ctx); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("identity survived wipe: %v", err)
		}
		if keys, _ := s.ListPreKeys(ctx); len(keys) != 0 {
			t.Fatal("pre-keys survived wipe")
		}
		if keys, _ := s.ListSignedPreKeys(ctx); len(keys) != 0 {
			t.Fatal("signed pre-keys survived wipe")
		}
		if sessions, _ := s.ListSessions(ctx); len(sessions) != 0 {
			t.Fatal("sessions survived wipe")
		}
		if _, ok, _ := s.Get(ctx, "k"); ok {
			t.Fatal("values survived wipe")
		}
	})
}
