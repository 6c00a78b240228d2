package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"carecrypt/internal/crypto"
)

// readFile reads the file at path into b; a missing file is not an error.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// readJSON best-effort reads path into out; a missing file is not an error.
func readJSON(path string, out any) error {
	b, err := readFile(path)
	if err != nil {
		return err
	}
	if b == nil { // file didn’t exist
		return nil
	}
	return json.Unmarshal(b, out)
}

// writeJSON writes JSON via a temp file then rename.
func writeJSON(path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, mode)
}

// readSealedJSON opens the sealed file at path into out; a missing file is not an error.
func readSealedJSON(path string, s *crypto.Sealer, out any) error {
	b, err := readFile(path)
	if err != nil || b == nil {
		return err
	}
	pt, err := s.Open(b)
	if err != nil {
		return err
	}
	return json.Unmarshal(pt, out)
}

// writeSealedJSON seals the JSON form of v and writes it atomically.
func writeSealedJSON(path string, s *crypto.Sealer, v any, mode os.FileMode) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b, err := s.Seal(raw)
	if err != nil {
		return err
	}
	return writeFile(path, b, mode)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// shred overwrites the file at path with random bytes and removes it.
func shred(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	noise, err := crypto.RandomBytes(int(info.Size()))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, noise, 0o600); err != nil {
		return err
	}
	return os.Remove(path)
}
