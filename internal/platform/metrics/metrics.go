// Package metrics exposes Prometheus collectors for the sync engine. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

type Collectors struct {
	snapshots          *prometheus.CounterVec
	subscriptionErrors *prometheus.CounterVec
	liveSubscriptions  prometheus.Gauge
	writes             *prometheus.CounterVec
	malformed          *prometheus.CounterVec
	dedupHits          prometheus.Counter
}

// New builds the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_snapshots_total",
			Help:      "Snapshots applied per feed kind.",
		}, []string{"feed"}),
		subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Subscription failures per feed kind; state is kept on failure.",
		}, []string{"feed"}),
		liveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscriptions",
			Help:      "Currently live feed subscriptions.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Store writes by operation and result.",
		}, []string{"op", "result"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_documents_total",
			Help:      "Documents rejected at decode time per collection.",
		}, []string{"collection"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_dedup_hits_total",
			Help:      "Conversation creations answered by an existing conversation.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.snapshots, c.subscriptionErrors, c.liveSubscriptions, c.writes, c.malformed, c.dedupHits,
	} {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) ObserveSnapshot(feed string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(feed).Inc()
}

func (c *Collectors) ObserveSubscriptionError(feed string) {
	if c == nil {
		return
	}
	c.subscriptionErrors.WithLabelValues(feed).Inc()
}

func (c *Collectors) SetLiveSubscriptions(n int) {
	if c == nil {
		return
	}
	c.liveSubscriptions.Set(float64(n))
}

func (c *Collectors) ObserveWrite(op, result string) {
	if c == nil {
		return
	}
	c.writes.WithLabelValues(op, result).Inc()
}

// ObserveWriteErr records op as ok or error depending on err.
func (c *Collectors) ObserveWriteErr(op string, err error) {
	if err != nil {
		c.ObserveWrite(op, ResultError)
		return
	}
	c.ObserveWrite(op, ResultOK)
}

func (c *Collectors) ObserveMalformed(collection string) {
	if c == nil {
		return
	}
	c.malformed.WithLabelValues(collection).Inc()
}

func (c *Collectors) ObserveDedupHit() {
	if c == nil {
		return
	}
	c.dedupHits.Inc()
}
