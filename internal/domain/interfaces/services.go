package interfaces

import (
	"context"

	domaintypes "carecrypt/internal/domain/types"
)

// KeyDistribution publishes your bundle and hands out peers' bundles.
// FetchBundle returns domain.ErrPeerBundleNotFound (wrapped) for unknown peers
// and includes at most one one-time pre-key, which is consumed by the fetch.
type KeyDistribution interface {
	FetchBundle(ctx context.Context, peer domaintypes.PeerID) (domaintypes.PreKeyBundle, error)
	PublishBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
}

// Transport delivers frames to peers. It makes no retry guarantee.
type Transport interface {
	Send(ctx context.Context, to domaintypes.PeerID, frame domaintypes.Frame) (domaintypes.SendResult, error)
}

// Inbox yields frames addressed to a peer. Implemented by the relay and
// directory backends; the engine itself never polls.
type Inbox interface {
	Receive(ctx context.Context, me domaintypes.PeerID, limit int) ([]domaintypes.Frame, error)
}

// Auditor receives PHI-free security events.
type Auditor interface {
	Record(ctx context.Context, event domaintypes.Event)
}

// Confirmer is asked before a peer's first key is pinned.
type Confirmer interface {
	ConfirmFirstUse(ctx context.Context, peer domaintypes.PeerID, fp domaintypes.Fingerprint) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, peer domaintypes.PeerID, fp domaintypes.Fingerprint) (bool, error)

// ConfirmFirstUse calls f.
func (f ConfirmerFunc) ConfirmFirstUse(ctx context.Context, peer domaintypes.PeerID, fp domaintypes.Fingerprint) (bool, error) {
	return f(ctx, peer, fp)
}
