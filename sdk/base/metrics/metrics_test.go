package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCoordinationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	SetWorkers(map[string]int{"available": 2, "busy": 1})
	RecordRegistration("success")
	RecordDisconnect("heartbeat_timeout")
	RecordHeartbeat()
	before := testutil.ToFloat64(requestInflight)
	RecordDispatch("assigned")
	RecordDispatch("no_capacity")
	if v := testutil.ToFloat64(requestInflight); v != before+1 {
		t.Fatalf("inflight = %v; want %v", v, before+1)
	}
	RecordComplete("success", 50*time.Millisecond)
	if v := testutil.ToFloat64(requestInflight); v != before {
		t.Fatalf("inflight after complete = %v; want %v", v, before)
	}

	if v := testutil.ToFloat64(workersConnected.WithLabelValues("available")); v != 2 {
		t.Fatalf("available workers = %v", v)
	}
	if v := testutil.ToFloat64(dispatchTotal.WithLabelValues("no_capacity")); v < 1 {
		t.Fatalf("no_capacity dispatches = %v", v)
	}
	if v := testutil.ToFloat64(disconnectsTotal.WithLabelValues("heartbeat_timeout")); v < 1 {
		t.Fatalf("disconnects = %v", v)
	}
	SetWorkers(map[string]int{"available": 1})
	if n := testutil.CollectAndCount(workersConnected); n != 1 {
		t.Fatalf("expected stale statuses to be reset, got %d series", n)
	}
}
