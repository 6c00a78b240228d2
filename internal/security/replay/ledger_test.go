package replay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/audit"
	"carecrypt/internal/domain"
	"carecrypt/internal/security/replay"
)

func envelope(id string, ts time.Time, ct string) domain.Envelope {
	return domain.Envelope{
		ID:         domain.MessageID(id),
		Sender:     "alice",
		Recipient:  "bob",
		Timestamp:  ts.UnixMilli(),
		Ciphertext: []byte(ct),
		Nonce:      make([]byte, 12),
		AuthTag:    make([]byte, 16),
	}
}

func TestReplayReasons(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &audit.Recorder{}
	l := replay.New(clk, replay.WithAuditor(rec))
	ctx := context.Background()
	now := clk.Now()

	e := envelope("m1", now, "ct-1")
	if v := l.Check(ctx, e); !v.Accepted {
		t.Fatalf("first check rejected: %s", v.Reason)
	}

	cases := []struct {
		name string
		env  domain.Envelope
		want string
	}{
		{"same id", e, replay.ReasonDuplicateMessageID},
		{"same content new id", envelope("m2", now, "ct-1"), replay.ReasonDuplicateContent},
		{"six minutes old", envelope("m3", now.Add(-6*time.Minute), "ct-3"), replay.ReasonStaleTimestamp},
		{"six minutes ahead", envelope("m4", now.Add(6*time.Minute), "ct-4"), replay.ReasonFutureTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := l.Check(ctx, tc.env)
			if v.Accepted || v.Reason != tc.want {
				t.Fatalf("verdict = %+v, want reason %s", v, tc.want)
			}
			if err := v.Err(); err == nil || !domain.IsSecurityWarning(err) {
				t.Fatalf("Err() = %v, want replay warning", err)
			}
		})
	}
	if got := rec.Count(domain.EventReplayDetected); got != len(cases) {
		t.Fatalf("replay events = %d, want %d", got, len(cases))
	}
	if l.Len() != 1 {
		t.Fatalf("ledger len = %d, want 1", l.Len())
	}
}

func TestEvictsOldest(t *testing.T) {
	clk := clock.NewMock()
	l := replay.New(clk, replay.WithCapacity(3))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if v := l.Check(ctx, envelope(fmt.Sprintf("m%d", i), clk.Now(), fmt.Sprintf("ct%d", i))); !v.Accepted {
			t.Fatalf("m%d rejected: %s", i, v.Reason)
		}
		clk.Add(time.Millisecond)
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
	if v := l.Check(ctx, envelope("m0", clk.Now(), "ct0")); !v.Accepted {
		t.Fatalf("evicted id still rejected: %s", v.Reason)
	}
}

func TestForget(t *testing.T) {
	clk := clock.NewMock()
	l := replay.New(clk)
	ctx := context.Background()
	e := envelope("m1", clk.Now(), "ct")
	l.Check(ctx, e)
	l.Forget(e.ID)
	if v := l.Check(ctx, e); !v.Accepted {
		t.Fatalf("forgotten envelope rejected: %s", v.Reason)
	}
}

func TestConcurrentCheckAcceptsOnce(t *testing.T) {
	clk := clock.NewMock()
	l := replay.New(clk)
	e := envelope("race", clk.Now(), "ct")
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), e).Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
}
