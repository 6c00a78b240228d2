package store_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/store"
	"carecrypt/internal/store/storetest"
)

// light Argon2 settings keep the tests fast.
var testParams = crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1}

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.KeyStore { return store.NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.KeyStore {
		s, err := store.OpenFileStore(t.TempDir(), "pass", testParams)
		if err != nil {
			t.Fatalf("OpenFileStore: %v", err)
		}
		return s
	})
}

func TestFileStore_ReopenAndWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := store.OpenFileStore(dir, "correct", testParams)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	id := domain.Identity{XPub: domain.X25519Public{1}, XPriv: domain.X25519Private{2}}
	if err := s.StoreIdentity(ctx, id); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	s.Close()

	if _, err := store.OpenFileStore(dir, "wrong", testParams); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("wrong passphrase: %v", err)
	}

	s, err = store.OpenFileStore(dir, "correct", testParams)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s.LoadIdentity(ctx)
	if err != nil || got.XPriv != id.XPriv {
		t.Fatalf("LoadIdentity after reopen = %+v, %v", got, err)
	}
}

func TestFileStore_FilesAreSealed(t *testing.T) {
	dir := t.TempDir()
	s, err := store.OpenFileStore(dir, "pass", testParams)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	secret := domain.X25519Private{0xde, 0xad, 0xbe, 0xef}
	if err := s.StorePreKey(context.Background(), domain.OneTimePreKey{ID: 1, Priv: secret}); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "prekeys.enc"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte(`"priv"`)) {
		t.Fatal("pre-key file is not sealed")
	}
	info, err := os.Stat(filepath.Join(dir, "prekeys.enc"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}
