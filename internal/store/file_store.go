package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
)

const (
	metaFile          = "keystore.json"
	checkFile         = "check.enc"
	identityFile      = "identity.enc"
	signedPreKeysFile = "signed_prekeys.enc"
	preKeysFile       = "prekeys.enc"
	sessionsFile      = "sessions.enc"
	valuesFile        = "values.enc"

	keystoreFormatVersion = 1
	checkPlaintext        = "carecrypt-keystore"
)

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// check file has been modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key store")

// meta is the plaintext header describing how the KEK is derived.
type meta struct {
	V      int                 `json:"v"`
	Salt   []byte              `json:"salt"`
	Argon2 crypto.Argon2Params `json:"argon2"`
}

// FileStore persists key material under dir, sealed with a passphrase.
type FileStore struct {
	dir    string
	sealer *crypto.Sealer
	mu     sync.Mutex
}

var _ domain.KeyStore = (*FileStore)(nil)

// OpenFileStore opens the store in dir, creating it on first use with the
// given Argon2 parameters. Existing stores keep the parameters they were
// created with.
func OpenFileStore(dir, passphrase string, params crypto.Argon2Params) (*FileStore, error) {
	sealer, err := OpenSealer(dir, passphrase, params)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

// OpenSealer reads or creates the key store header in dir and returns the
// sealer it describes, verifying the passphrase against the check file.
// Other stores that seal records at rest share this header.
func OpenSealer(dir, passphrase string, params crypto.Argon2Params) (*crypto.Sealer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	var m meta
	metaPath := filepath.Join(dir, metaFile)
	if err := readJSON(metaPath, &m); err != nil {
		return nil, fmt.Errorf("read key store header: %w", err)
	}
	fresh := m.V == 0
	if fresh {
		salt, err := crypto.RandomBytes(crypto.SaltBytes)
		if err != nil {
			return nil, err
		}
		m = meta{V: keystoreFormatVersion, Salt: salt, Argon2: params}
	}
	if m.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported key store version %d", m.V)
	}
	sealer, err := crypto.NewSealer(passphrase, m.Salt, m.Argon2)
	if err != nil {
		return nil, err
	}

	checkPath := filepath.Join(dir, checkFile)
	if fresh {
		if err := writeJSON(metaPath, m, 0o600); err != nil {
			return nil, err
		}
		if err := writeSealedJSON(checkPath, sealer, checkPlaintext, 0o600); err != nil {
			return nil, err
		}
		return sealer, nil
	}
	var check string
	if err := readSealedJSON(checkPath, sealer, &check); err != nil || check != checkPlaintext {
		sealer.Close()
		return nil, ErrWrongPassphrase
	}
	return sealer, nil
}

// Close wipes the in-memory key-encryption key.
func (s *FileStore) Close() error {
	s.sealer.Close()
	return nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

// loadMap and saveMap must be called with s.mu held.
func loadMap[K comparable, V any](s *FileStore, name string) (map[K]V, error) {
	m := make(map[K]V)
	if err := readSealedJSON(s.path(name), s.sealer, &m); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return m, nil
}

func saveMap[K comparable, V any](s *FileStore, name string, m map[K]V) error {
	if err := writeSealedJSON(s.path(name), s.sealer, m, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ---------- Generic values ----------

// Get returns the value stored under key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[string, []byte](s, valuesFile)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Put stores value under key.
func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[string, []byte](s, valuesFile)
	if err != nil {
		return err
	}
	m[key] = append([]byte(nil), value...)
	return saveMap(s, valuesFile, m)
}

// ---------- Identity ----------

// StoreIdentity writes the sealed identity.
func (s *FileStore) StoreIdentity(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSealedJSON(s.path(identityFile), s.sealer, id, 0o600)
}

// LoadIdentity reads and unseals the identity.
func (s *FileStore) LoadIdentity(_ context.Context) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id domain.Identity
	b, err := readFile(s.path(identityFile))
	if err != nil {
		return id, err
	}
	if b == nil {
		return id, fmt.Errorf("%w: identity", domain.ErrKeyNotFound)
	}
	if err := readSealedJSON(s.path(identityFile), s.sealer, &id); err != nil {
		return id, err
	}
	return id, nil
}

// ---------- One-time pre-keys ----------

// StorePreKey stores a one-time pre-key by id.
func (s *FileStore) StorePreKey(_ context.Context, k domain.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.OneTimePreKey](s, preKeysFile)
	if err != nil {
		return err
	}
	m[k.ID] = k
	return saveMap(s, preKeysFile, m)
}

// LoadPreKey retrieves a one-time pre-key by id.
func (s *FileStore) LoadPreKey(_ context.Context, id domain.KeyID) (domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.OneTimePreKey](s, preKeysFile)
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	k, ok := m[id]
	if !ok {
		return domain.OneTimePreKey{}, fmt.Errorf("%w: one-time pre-key %d", domain.ErrKeyNotFound, id)
	}
	return k, nil
}

// RemovePreKey deletes a one-time pre-key.
func (s *FileStore) RemovePreKey(_ context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.OneTimePreKey](s, preKeysFile)
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)
	return saveMap(s, preKeysFile, m)
}

// ListPreKeys returns every stored one-time pre-key ordered by id.
func (s *FileStore) ListPreKeys(_ context.Context) ([]domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.OneTimePreKey](s, preKeysFile)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKey, 0, len(m))
	for _, k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------- Signed pre-keys ----------

// StoreSignedPreKey stores a signed pre-key by id.
func (s *FileStore) StoreSignedPreKey(_ context.Context, k domain.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.SignedPreKey](s, signedPreKeysFile)
	if err != nil {
		return err
	}
	m[k.ID] = k
	return saveMap(s, signedPreKeysFile, m)
}

// LoadSignedPreKey retrieves a signed pre-key by id.
func (s *FileStore) LoadSignedPreKey(_ context.Context, id domain.KeyID) (domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.SignedPreKey](s, signedPreKeysFile)
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	k, ok := m[id]
	if !ok {
		return domain.SignedPreKey{}, fmt.Errorf("%w: signed pre-key %d", domain.ErrKeyNotFound, id)
	}
	return k, nil
}

// RemoveSignedPreKey deletes a signed pre-key.
func (s *FileStore) RemoveSignedPreKey(_ context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.SignedPreKey](s, signedPreKeysFile)
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)
	return saveMap(s, signedPreKeysFile, m)
}

// ListSignedPreKeys returns every stored signed pre-key, oldest first.
func (s *FileStore) ListSignedPreKeys(_ context.Context) ([]domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.KeyID, domain.SignedPreKey](s, signedPreKeysFile)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SignedPreKey, 0, len(m))
	for _, k := range m {
		out = append(out, k)
	}
	sortSignedPreKeys(out)
	return out, nil
}

// ---------- Sessions ----------

// StoreSession writes a session record keyed by its peer.
func (s *FileStore) StoreSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.PeerID, domain.Session](s, sessionsFile)
	if err != nil {
		return err
	}
	m[session.PeerID] = session
	return saveMap(s, sessionsFile, m)
}

// LoadSession retrieves the session for peer.
func (s *FileStore) LoadSession(_ context.Context, peer domain.PeerID) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.PeerID, domain.Session](s, sessionsFile)
	if err != nil {
		return domain.Session{}, err
	}
	sess, ok := m[peer]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: session with %s", domain.ErrKeyNotFound, peer)
	}
	return sess, nil
}

// RemoveSession deletes the session for peer.
func (s *FileStore) RemoveSession(_ context.Context, peer domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.PeerID, domain.Session](s, sessionsFile)
	if err != nil {
		return err
	}
	if _, ok := m[peer]; !ok {
		return nil
	}
	delete(m, peer)
	return saveMap(s, sessionsFile, m)
}

// ListSessions returns every stored session ordered by peer.
func (s *FileStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := loadMap[domain.PeerID, domain.Session](s, sessionsFile)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(m))
	for _, sess := range m {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// WipeAll shreds every data file. The header and check file stay so the
// store can be reopened with the same passphrase.
func (s *FileStore) WipeAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, name := range []string{identityFile, signedPreKeysFile, preKeysFile, sessionsFile, valuesFile} {
		if err := shred(s.path(name)); err != nil {
			errs = append(errs, fmt.Errorf("wipe %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func sortSignedPreKeys(keys []domain.SignedPreKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
}
