package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carecrypt/internal/domain"
	"carecrypt/internal/util/memzero"
)

// MemoryStore keeps key material in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	values        map[string][]byte
	identity      *domain.Identity
	preKeys       map[domain.KeyID]domain.OneTimePreKey
	signedPreKeys map[domain.KeyID]domain.SignedPreKey
	sessions      map[domain.PeerID]domain.Session
}

var _ domain.KeyStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.values = make(map[string][]byte)
	s.identity = nil
	s.preKeys = make(map[domain.KeyID]domain.OneTimePreKey)
	s.signedPreKeys = make(map[domain.KeyID]domain.SignedPreKey)
	s.sessions = make(map[domain.PeerID]domain.Session)
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return append([]byte(nil), v...), ok, nil
}

// Put stores value under key.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// StoreIdentity replaces the identity.
func (s *MemoryStore) StoreIdentity(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
	return nil
}

// LoadIdentity returns the identity.
func (s *MemoryStore) LoadIdentity(_ context.Context) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return domain.Identity{}, fmt.Errorf("%w: identity", domain.ErrKeyNotFound)
	}
	return *s.identity, nil
}

// StorePreKey stores a one-time pre-key by id.
func (s *MemoryStore) StorePreKey(_ context.Context, k domain.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[k.ID] = k
	return nil
}

// LoadPreKey retrieves a one-time pre-key by id.
func (s *MemoryStore) LoadPreKey(_ context.Context, id domain.KeyID) (domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.preKeys[id]
	if !ok {
		return domain.OneTimePreKey{}, fmt.Errorf("%w: one-time pre-key %d", domain.ErrKeyNotFound, id)
	}
	return k, nil
}

// RemovePreKey deletes a one-time pre-key.
func (s *MemoryStore) RemovePreKey(_ context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

// ListPreKeys returns every stored one-time pre-key ordered by id.
func (s *MemoryStore) ListPreKeys(_ context.Context) ([]domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OneTimePreKey, 0, len(s.preKeys))
	for _, k := range s.preKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StoreSignedPreKey stores a signed pre-key by id.
func (s *MemoryStore) StoreSignedPreKey(_ context.Context, k domain.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.Signature = append([]byte(nil), k.Signature...)
	s.signedPreKeys[k.ID] = k
	return nil
}

// LoadSignedPreKey retrieves a signed pre-key by id.
func (s *MemoryStore) LoadSignedPreKey(_ context.Context, id domain.KeyID) (domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.signedPreKeys[id]
	if !ok {
		return domain.SignedPreKey{}, fmt.Errorf("%w: signed pre-key %d", domain.ErrKeyNotFound, id)
	}
	k.Signature = append([]byte(nil), k.Signature...)
	return k, nil
}

// RemoveSignedPreKey deletes a signed pre-key.
func (s *MemoryStore) RemoveSignedPreKey(_ context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signedPreKeys, id)
	return nil
}

// ListSignedPreKeys returns every stored signed pre-key, oldest first.
func (s *MemoryStore) ListSignedPreKeys(_ context.Context) ([]domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignedPreKey, 0, len(s.signedPreKeys))
	for _, k := range s.signedPreKeys {
		k.Signature = append([]byte(nil), k.Signature...)
		out = append(out, k)
	}
	sortSignedPreKeys(out)
	return out, nil
}

// StoreSession writes a session keyed by its peer.
func (s *MemoryStore) StoreSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.PeerID] = session.Clone()
	return nil
}

// LoadSession retrieves the session for peer.
func (s *MemoryStore) LoadSession(_ context.Context, peer domain.PeerID) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[peer]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: session with %s", domain.ErrKeyNotFound, peer)
	}
	return sess.Clone(), nil
}

// RemoveSession deletes the session for peer.
func (s *MemoryStore) RemoveSession(_ context.Context, peer domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
	return nil
}

// ListSessions returns every stored session ordered by peer.
func (s *MemoryStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// WipeAll zeroes stored secrets and empties the store.
func (s *MemoryStore) WipeAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		s.identity.XPriv.Wipe()
		s.identity.EdPriv.Wipe()
	}
	// Overwrite map slots before dropping them; array values live in the map.
	for id := range s.preKeys {
		s.preKeys[id] = domain.OneTimePreKey{}
	}
	for id, k := range s.signedPreKeys {
		memzero.Zero(k.Signature)
		s.signedPreKeys[id] = domain.SignedPreKey{}
	}
	for p, sess := range s.sessions {
		memzero.Zero(sess.RootKey)
		memzero.Zero(sess.SendingChainKey)
		memzero.Zero(sess.ReceivingChainKey)
		for _, mk := range sess.SkippedKeys {
			memzero.Zero(mk)
		}
		s.sessions[p] = domain.Session{}
	}
	for _, v := range s.values {
		memzero.Zero(v)
	}
	s.reset()
	return nil
}
