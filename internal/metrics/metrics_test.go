package metrics_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"carecrypt/internal/domain"
	"carecrypt/internal/metrics"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	c.Record(ctx, domain.Event{Type: domain.EventReplayDetected, Reason: "stale_timestamp"})
	c.Record(ctx, domain.Event{Type: domain.EventReplayDetected, Reason: "stale_timestamp"})
	c.Record(ctx, domain.Event{Type: domain.EventKeyRotation})

	if got := c.Count(domain.EventReplayDetected, "stale_timestamp"); got != 2 {
		t.Fatalf("replay count = %v, want 2", got)
	}
	if got := c.Count(domain.EventKeyRotation, ""); got != 1 {
		t.Fatalf("rotation count = %v, want 1", got)
	}
	if _, err := metrics.New(reg); err == nil {
		t.Fatal("second registration on the same registry succeeded")
	}
}
