package sqlstore_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/store/sqlstore"
	"carecrypt/internal/store/storetest"
)

func openSQLite(t *testing.T, dir string) *sqlstore.Store {
	t.Helper()
	sealer, err := crypto.NewSealer("pass", bytes.Repeat([]byte{1}, crypto.SaltBytes),
		crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1})
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	s, err := sqlstore.Open(context.Background(), "sqlite", filepath.Join(dir, "keys.db"), sealer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.KeyStore {
		s := openSQLite(t, t.TempDir())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CARECRYPT_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("CARECRYPT_TEST_POSTGRES not set")
	}
	storetest.Run(t, func(t *testing.T) domain.KeyStore {
		sealer, err := crypto.NewSealer("pass", bytes.Repeat([]byte{1}, crypto.SaltBytes),
			crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1})
		if err != nil {
			t.Fatalf("NewSealer: %v", err)
		}
		s, err := sqlstore.Open(context.Background(), "postgres", dsn, sealer)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := s.WipeAll(context.Background()); err != nil {
			t.Fatalf("WipeAll: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openSQLite(t, dir)
	if err := s.StorePreKey(ctx, domain.OneTimePreKey{ID: 12, Pub: domain.X25519Public{7}}); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}
	s.Close()

	s = openSQLite(t, dir)
	defer s.Close()
	k, err := s.LoadPreKey(ctx, 12)
	if err != nil || k.Pub[0] != 7 {
		t.Fatalf("LoadPreKey after reopen = %+v, %v", k, err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := sqlstore.Open(context.Background(), "mysql", "", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
