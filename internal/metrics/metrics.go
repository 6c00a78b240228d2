// Package metrics counts security events with Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"carecrypt/internal/domain"
)

var _ domain.Auditor = (*Collector)(nil)

// Collector is an Auditor that counts events by type and reason.
type Collector struct {
	events *prometheus.CounterVec
}

// New registers the carecrypt counters on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carecrypt",
			Name:      "security_events_total",
			Help:      "Security events emitted by the session engine.",
		}, []string{"type", "reason"}),
	}
	if err := reg.Register(c.events); err != nil {
		return nil, err
	}
	return c, nil
}

// Record increments the counter for e.
func (c *Collector) Record(_ context.Context, e domain.Event) {
	c.events.WithLabelValues(string(e.Type), e.Reason).Inc()
}

// Count returns the current value for a type and reason.
func (c *Collector) Count(t domain.EventType, reason string) float64 {
	m, err := c.events.GetMetricWithLabelValues(string(t), reason)
	if err != nil {
		return 0
	}
	return counterValue(m)
}
