package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"carecrypt/internal/domain"
)

// Received is one frame taken from the inbox.
type Received struct {
	From      domain.PeerID
	Kind      domain.FrameKind
	Plaintext []byte
	Err       error
}

// Poll drains up to limit frames addressed to the local peer and hands
// each to the engine. Frames that fail are reported, not retried. A limit
// of zero or less takes everything queued.
func (w *Wire) Poll(ctx context.Context, limit int) ([]Received, error) {
	frames, err := w.Directory.Receive(ctx, w.Self, limit)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	out := make([]Received, 0, len(frames))
	for _, f := range frames {
		r := Received{From: frameSender(f), Kind: f.Kind}
		r.Plaintext, r.Err = w.Engine.HandleFrame(ctx, f)
		if r.Err != nil {
			w.Logger.Warn("frame rejected",
				zap.String("peer", r.From.String()),
				zap.Uint8("kind", uint8(f.Kind)),
				zap.Error(r.Err))
		}
		out = append(out, r)
	}
	return out, nil
}

func frameSender(f domain.Frame) domain.PeerID {
	switch {
	case f.Envelope != nil:
		return f.Envelope.Sender
	case f.Handshake != nil:
		return f.Handshake.Sender
	}
	return ""
}

// TrustOnFirstUse accepts every first-seen identity.
var TrustOnFirstUse = domain.ConfirmerFunc(func(context.Context, domain.PeerID, domain.Fingerprint) (bool, error) {
	return true, nil
})

// Prompt asks on out and reads a y/n answer from in before a peer's
// first identity is pinned.
func Prompt(in io.Reader, out io.Writer) domain.Confirmer {
	r := bufio.NewReader(in)
	return domain.ConfirmerFunc(func(ctx context.Context, peer domain.PeerID, fp domain.Fingerprint) (bool, error) {
		fmt.Fprintf(out, "New identity for %s\n  fingerprint: %s\nTrust it? [y/N] ", peer, fp)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	})
}
