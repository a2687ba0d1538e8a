package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRecordAndRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("new collectors failed: %v", err)
	}
	c.ObserveSnapshot("messages")
	c.ObserveSnapshot("messages")
	c.ObserveWriteErr("message.append", nil)
	c.ObserveWriteErr("message.append", errors.New("boom"))
	c.SetLiveSubscriptions(3)
	c.ObserveDedupHit()

	if got := testutil.ToFloat64(c.snapshots.WithLabelValues("messages")); got != 2 {
		t.Fatalf("expected 2 snapshots, got %v", got)
	}
	if got := testutil.ToFloat64(c.writes.WithLabelValues("message.append", ResultError)); got != 1 {
		t.Fatalf("expected 1 failed write, got %v", got)
	}
	if got := testutil.ToFloat64(c.liveSubscriptions); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(c.dedupHits); got != 1 {
		t.Fatalf("expected 1 dedup hit, got %v", got)
	}

	if _, err := New(reg); err != nil {
		t.Fatalf("re-registration must be tolerated: %v", err)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.ObserveSnapshot("x")
	c.ObserveSubscriptionError("x")
	c.ObserveWriteErr("x", nil)
	c.ObserveMalformed("x")
	c.ObserveDedupHit()
	c.SetLiveSubscriptions(1)
}
