// Package sqlstore is a domain.KeyStore on top of database/sql via sqlx.
//
// Every record is a row (kind, id, blob) where blob is the record's JSON
// sealed with a crypto.Sealer, so the database never holds key material in
// the clear. Both PostgreSQL (lib/pq, driver "postgres") and SQLite
// (modernc.org/sqlite, driver "sqlite") are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
)

const (
	kindValue        = "value"
	kindIdentity     = "identity"
	kindPreKey       = "prekey"
	kindSignedPreKey = "signed_prekey"
	kindSession      = "session"
)

var migrations = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS carecrypt_records (
			kind TEXT NOT NULL,
			id   TEXT NOT NULL,
			blob BYTEA NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS carecrypt_records (
			kind TEXT NOT NULL,
			id   TEXT NOT NULL,
			blob BLOB NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
	},
}

// Store is safe for concurrent use; the database serialises writes.
type Store struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
}

var _ domain.KeyStore = (*Store)(nil)

type row struct {
	ID   string `db:"id"`
	Blob []byte `db:"blob"`
}

// Open connects with driver ("postgres" or "sqlite") and applies migrations.
func Open(ctx context.Context, driver, dsn string, sealer *crypto.Sealer) (*Store, error) {
	stmts, ok := migrations[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	for _, m := range stmts {
		if _, err := db.ExecContext(ctx, m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Store{db: db, sealer: sealer}, nil
}

// Close closes the database handle and wipes the sealing key.
func (s *Store) Close() error {
	s.sealer.Close()
	return s.db.Close()
}

func (s *Store) put(ctx context.Context, kind, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	blob, err := s.sealer.Seal(raw)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO carecrypt_records (kind, id, blob) VALUES (?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET blob = excluded.blob`)
	if _, err := s.db.ExecContext(ctx, q, kind, id, blob); err != nil {
		return fmt.Errorf("store %s %s: %w", kind, id, err)
	}
	return nil
}

// get reports ok=false when the row does not exist.
func (s *Store) get(ctx context.Context, kind, id string, out any) (bool, error) {
	var r row
	q := s.db.Rebind(`SELECT id, blob FROM carecrypt_records WHERE kind = ? AND id = ?`)
	err := s.db.GetContext(ctx, &r, q, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	return true, s.open(r.Blob, out)
}

func (s *Store) remove(ctx context.Context, kind, id string) error {
	q := s.db.Rebind(`DELETE FROM carecrypt_records WHERE kind = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, q, kind, id); err != nil {
		return fmt.Errorf("remove %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, kind string) ([]row, error) {
	var rows []row
	q := s.db.Rebind(`SELECT id, blob FROM carecrypt_records WHERE kind = ?`)
	if err := s.db.SelectContext(ctx, &rows, q, kind); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return rows, nil
}

func (s *Store) open(blob []byte, out any) error {
	raw, err := s.sealer.Open(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func keyID(id domain.KeyID) string { return strconv.FormatUint(uint64(id), 10) }

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	ok, err := s.get(ctx, kindValue, key, &v)
	return v, ok, err
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, kindValue, key, value)
}

// StoreIdentity replaces the identity.
func (s *Store) StoreIdentity(ctx context.Context, id domain.Identity) error {
	return s.put(ctx, kindIdentity, "self", id)
}

// LoadIdentity returns the identity.
func (s *Store) LoadIdentity(ctx context.Context) (domain.Identity, error) {
	var id domain.Identity
	ok, err := s.get(ctx, kindIdentity, "self", &id)
	if err == nil && !ok {
		err = fmt.Errorf("%w: identity", domain.ErrKeyNotFound)
	}
	return id, err
}

// StorePreKey stores a one-time pre-key by id.
func (s *Store) StorePreKey(ctx context.Context, k domain.OneTimePreKey) error {
	return s.put(ctx, kindPreKey, keyID(k.ID), k)
}

// LoadPreKey retrieves a one-time pre-key by id.
func (s *Store) LoadPreKey(ctx context.Context, id domain.KeyID) (domain.OneTimePreKey, error) {
	var k domain.OneTimePreKey
	ok, err := s.get(ctx, kindPreKey, keyID(id), &k)
	if err == nil && !ok {
		err = fmt.Errorf("%w: one-time pre-key %d", domain.ErrKeyNotFound, id)
	}
	return k, err
}

// RemovePreKey deletes a one-time pre-key.
func (s *Store) RemovePreKey(ctx context.Context, id domain.KeyID) error {
	return s.remove(ctx, kindPreKey, keyID(id))
}

// ListPreKeys returns every stored one-time pre-key ordered by id.
func (s *Store) ListPreKeys(ctx context.Context) ([]domain.OneTimePreKey, error) {
	rows, err := s.list(ctx, kindPreKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKey, 0, len(rows))
	for _, r := range rows {
		var k domain.OneTimePreKey
		if err := s.open(r.Blob, &k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StoreSignedPreKey stores a signed pre-key by id.
func (s *Store) StoreSignedPreKey(ctx context.Context, k domain.SignedPreKey) error {
	return s.put(ctx, kindSignedPreKey, keyID(k.ID), k)
}

// LoadSignedPreKey retrieves a signed pre-key by id.
func (s *Store) LoadSignedPreKey(ctx context.Context, id domain.KeyID) (domain.SignedPreKey, error) {
	var k domain.SignedPreKey
	ok, err := s.get(ctx, kindSignedPreKey, keyID(id), &k)
	if err == nil && !ok {
		err = fmt.Errorf("%w: signed pre-key %d", domain.ErrKeyNotFound, id)
	}
	return k, err
}

// RemoveSignedPreKey deletes a signed pre-key.
func (s *Store) RemoveSignedPreKey(ctx context.Context, id domain.KeyID) error {
	return s.remove(ctx, kindSignedPreKey, keyID(id))
}

// ListSignedPreKeys returns every stored signed pre-key, oldest first.
func (s *Store) ListSignedPreKeys(ctx context.Context) ([]domain.SignedPreKey, error) {
	rows, err := s.list(ctx, kindSignedPreKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SignedPreKey, 0, len(rows))
	for _, r := range rows {
		var k domain.SignedPreKey
		if err := s.open(r.Blob, &k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// StoreSession writes a session keyed by its peer.
func (s *Store) StoreSession(ctx context.Context, session domain.Session) error {
	return s.put(ctx, kindSession, session.PeerID.String(), session)
}

// LoadSession retrieves the session for peer.
func (s *Store) LoadSession(ctx context.Context, peer domain.PeerID) (domain.Session, error) {
	var sess domain.Session
	ok, err := s.get(ctx, kindSession, peer.String(), &sess)
	if err == nil && !ok {
		err = fmt.Errorf("%w: session with %s", domain.ErrKeyNotFound, peer)
	}
	return sess, err
}

// RemoveSession deletes the session for peer.
func (s *Store) RemoveSession(ctx context.Context, peer domain.PeerID) error {
	return s.remove(ctx, kindSession, peer.String())
}

// ListSessions returns every stored session ordered by peer.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.list(ctx, kindSession)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(rows))
	for _, r := range rows {
		var sess domain.Session
		if err := s.open(r.Blob, &sess); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// WipeAll deletes every record in one transaction.
func (s *Store) WipeAll(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM carecrypt_records`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("wipe: %w", err)
	}
	return tx.Commit()
}
