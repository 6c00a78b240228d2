// Package redisdir keeps bundles and mailboxes in Redis so several relay
// instances can share them.
//
// Layout, under an optional key prefix:
//
//	bundle:<peer>  JSON bundle without one-time pre-keys
//	opk:<peer>     list of JSON one-time pre-keys, popped with LPOP
//	inbox:<peer>   list of CBOR frames, oldest first
//
// LPOP makes one-time pre-key hand-out atomic across relay instances.
package redisdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"carecrypt/internal/domain"
	"carecrypt/internal/wire"
)

// Directory implements key distribution and the mailbox on Redis.
type Directory struct {
	client *redis.Client
	prefix string
}

var (
	_ domain.KeyDistribution = (*Directory)(nil)
	_ domain.Transport       = (*Directory)(nil)
	_ domain.Inbox           = (*Directory)(nil)
)

// Option configures a Directory.
type Option func(*Directory)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option { return func(d *Directory) { d.prefix = p } }

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Directory {
	d := &Directory{client: client}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Directory, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Close closes the client.
func (d *Directory) Close() error { return d.client.Close() }

func (d *Directory) key(kind string, peer domain.PeerID) string {
	return d.prefix + kind + ":" + peer.String()
}

// PublishBundle replaces peer's bundle and one-time pre-key list atomically.
func (d *Directory) PublishBundle(ctx context.Context, b domain.PreKeyBundle) error {
	if b.PeerID == "" {
		return fmt.Errorf("publish bundle: empty peer id")
	}
	opks := b.OneTimePreKeys
	b.OneTimePreKeys = nil
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	items := make([]any, 0, len(opks))
	for _, k := range opks {
		kr, err := json.Marshal(k)
		if err != nil {
			return err
		}
		items = append(items, kr)
	}
	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, d.key("bundle", b.PeerID), raw, 0)
		p.Del(ctx, d.key("opk", b.PeerID))
		if len(items) > 0 {
			p.RPush(ctx, d.key("opk", b.PeerID), items...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish bundle for %s: %w", b.PeerID, err)
	}
	return nil
}

// FetchBundle returns peer's bundle with at most one one-time pre-key,
// popped from the list.
func (d *Directory) FetchBundle(ctx context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	raw, err := d.client.Get(ctx, d.key("bundle", peer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: %s", domain.ErrPeerBundleNotFound, peer)
	}
	if err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}
	var b domain.PreKeyBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("decode bundle for %s: %w", peer, err)
	}
	kr, err := d.client.LPop(ctx, d.key("opk", peer)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return domain.PreKeyBundle{}, fmt.Errorf("pop one-time pre-key for %s: %w", peer, err)
	default:
		var k domain.OneTimePreKeyPublic
		if err := json.Unmarshal(kr, &k); err != nil {
			return domain.PreKeyBundle{}, fmt.Errorf("decode one-time pre-key: %w", err)
		}
		b.OneTimePreKeys = []domain.OneTimePreKeyPublic{k}
	}
	return b, nil
}

// Send appends frame to to's inbox.
func (d *Directory) Send(ctx context.Context, to domain.PeerID, frame domain.Frame) (domain.SendResult, error) {
	raw, err := wire.MarshalFrame(frame)
	if err != nil {
		return domain.SendResult{}, err
	}
	if err := d.client.RPush(ctx, d.key("inbox", to), raw).Err(); err != nil {
		return domain.SendResult{}, fmt.Errorf("queue frame for %s: %w", to, err)
	}
	return domain.SendResult{Success: true}, nil
}

// Receive dequeues up to limit frames for me. A limit of zero or less
// drains the inbox.
func (d *Directory) Receive(ctx context.Context, me domain.PeerID, limit int) ([]domain.Frame, error) {
	key := d.key("inbox", me)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	var rng *redis.StringSliceCmd
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, key, 0, stop)
		if limit > 0 {
			p.LTrim(ctx, key, int64(limit), -1)
		} else {
			p.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receive for %s: %w", me, err)
	}
	items := rng.Val()
	out := make([]domain.Frame, 0, len(items))
	for _, raw := range items {
		f, err := wire.UnmarshalFrame([]byte(raw))
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}
