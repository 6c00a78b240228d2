package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carecrypt/internal/domain"
	"carecrypt/internal/wire"
)

// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	bundles map[domain.PeerID]domain.PreKeyBundle
	inbox   map[domain.PeerID][][]byte
}

var (
	_ domain.KeyDistribution = (*Memory)(nil)
	_ domain.Transport       = (*Memory)(nil)
	_ domain.Inbox           = (*Memory)(nil)
)

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		bundles: make(map[domain.PeerID]domain.PreKeyBundle),
		inbox:   make(map[domain.PeerID][][]byte),
	}
}

// PublishBundle replaces peer's bundle.
func (m *Memory) PublishBundle(_ context.Context, b domain.PreKeyBundle) error {
	if b.PeerID == "" {
		return fmt.Errorf("publish bundle: empty peer id")
	}
	b.SignedPreKeySignature = append([]byte(nil), b.SignedPreKeySignature...)
	b.OneTimePreKeys = append([]domain.OneTimePreKeyPublic(nil), b.OneTimePreKeys...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.PeerID] = b
	return nil
}

// FetchBundle returns peer's bundle with at most one one-time pre-key,
// which is removed from the directory.
func (m *Memory) FetchBundle(_ context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[peer]
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: %s", domain.ErrPeerBundleNotFound, peer)
	}
	out := b
	out.SignedPreKeySignature = append([]byte(nil), b.SignedPreKeySignature...)
	out.OneTimePreKeys = nil
	if len(b.OneTimePreKeys) > 0 {
		out.OneTimePreKeys = []domain.OneTimePreKeyPublic{b.OneTimePreKeys[0]}
		b.OneTimePreKeys = b.OneTimePreKeys[1:]
		m.bundles[peer] = b
	}
	return out, nil
}

// Send queues frame for to.
func (m *Memory) Send(_ context.Context, to domain.PeerID, frame domain.Frame) (domain.SendResult, error) {
	raw, err := wire.MarshalFrame(frame)
	if err != nil {
		return domain.SendResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox[to] = append(m.inbox[to], raw)
	return domain.SendResult{Success: true}, nil
}

// Receive dequeues up to limit frames for me, oldest first. A limit of
// zero or less drains the mailbox.
func (m *Memory) Receive(_ context.Context, me domain.PeerID, limit int) ([]domain.Frame, error) {
	m.mu.Lock()
	q := m.inbox[me]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	batch := q[:limit]
	m.inbox[me] = q[limit:]
	m.mu.Unlock()

	out := make([]domain.Frame, 0, len(batch))
	for _, raw := range batch {
		f, err := wire.UnmarshalFrame(raw)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Pending returns the number of frames queued for peer.
func (m *Memory) Pending(peer domain.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox[peer])
}

// Peers lists peers with a published bundle.
func (m *Memory) Peers() []domain.PeerID {
	m.mu.Lock()
	out := make([]domain.PeerID, 0, len(m.bundles))
	for p := range m.bundles {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
