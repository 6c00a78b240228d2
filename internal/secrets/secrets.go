// Package secrets resolves the key store passphrase from a flag, the
// environment or the operating system keychain.
package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

// ServiceName is the keychain service entries are stored under.
const ServiceName = "carecrypt"

// EnvPassphrase is consulted when no flag value is given.
const EnvPassphrase = "CARECRYPT_PASSPHRASE"

// ErrNoPassphrase is returned when no source has a passphrase.
var ErrNoPassphrase = errors.New("no passphrase: use --passphrase, " + EnvPassphrase + " or store one in the keychain")

// Keychain stores one passphrase per local user.
type Keychain struct {
	ring keyring.Keyring
}

// Open opens the platform keychain.
func Open() (*Keychain, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keychain: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Keychain { return &Keychain{ring: ring} }

// Passphrase returns the stored passphrase for user.
func (k *Keychain) Passphrase(user string) (string, error) {
	item, err := k.ring.Get(user)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoPassphrase
	}
	if err != nil {
		return "", fmt.Errorf("read keychain: %w", err)
	}
	return string(item.Data), nil
}

// Store saves pass for user.
func (k *Keychain) Store(user, pass string) error {
	err := k.ring.Set(keyring.Item{
		Key:   user,
		Data:  []byte(pass),
		Label: "carecrypt key store passphrase",
	})
	if err != nil {
		return fmt.Errorf("write keychain: %w", err)
	}
	return nil
}

// Forget removes user's entry. A missing entry is not an error.
func (k *Keychain) Forget(user string) error {
	err := k.ring.Remove(user)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove keychain entry: %w", err)
	}
	return nil
}

// Resolve picks the passphrase: flag first, then the environment, then
// the keychain (which may be nil).
func Resolve(flag, user string, k *Keychain) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv(EnvPassphrase); v != "" {
		return v, nil
	}
	if k == nil {
		return "", ErrNoPassphrase
	}
	return k.Passphrase(user)
}
