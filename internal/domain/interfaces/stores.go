package interfaces

import (
	"context"

	domaintypes "carecrypt/internal/domain/types"
)

// KeyStore is the durable key/value contract for identity keys, pre-keys,
// signed pre-keys and sessions. Load methods return domain.ErrKeyNotFound
// (wrapped) when the record is absent.
type KeyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error

	StoreIdentity(ctx context.Context, id domaintypes.Identity) error
	LoadIdentity(ctx context.Context) (domaintypes.Identity, error)

	// One-time pre-keys
	StorePreKey(ctx context.Context, key domaintypes.OneTimePreKey) error
	LoadPreKey(ctx context.Context, id domaintypes.KeyID) (domaintypes.OneTimePreKey, error)
	RemovePreKey(ctx context.Context, id domaintypes.KeyID) error
	ListPreKeys(ctx context.Context) ([]domaintypes.OneTimePreKey, error)

	// Signed pre-keys
	StoreSignedPreKey(ctx context.Context, key domaintypes.SignedPreKey) error
	LoadSignedPreKey(ctx context.Context, id domaintypes.KeyID) (domaintypes.SignedPreKey, error)
	RemoveSignedPreKey(ctx context.Context, id domaintypes.KeyID) error
	ListSignedPreKeys(ctx context.Context) ([]domaintypes.SignedPreKey, error)

	// Sessions, keyed by peer
	StoreSession(ctx context.Context, session domaintypes.Session) error
	LoadSession(ctx context.Context, peer domaintypes.PeerID) (domaintypes.Session, error)
	RemoveSession(ctx context.Context, peer domaintypes.PeerID) error
	ListSessions(ctx context.Context) ([]domaintypes.Session, error)

	WipeAll(ctx context.Context) error
}
