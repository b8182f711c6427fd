package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	SetServerBuildInfo("v1", "abc", "2026-01-01")
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2026-01-01", "abc", "v1")); v != 1 {
		t.Fatalf("build info = %v", v)
	}

	SetDraining(true)
	if v := testutil.ToFloat64(serverDraining); v != 1 {
		t.Fatalf("draining = %v; want 1", v)
	}
	SetDraining(false)
	if v := testutil.ToFloat64(serverDraining); v != 0 {
		t.Fatalf("draining = %v; want 0", v)
	}

	RecordAPIRequest("/api/state", 200)
	RecordAPIRequest("", 404)
	if v := testutil.ToFloat64(apiRequests.WithLabelValues("/api/state", "200")); v != 1 {
		t.Fatalf("api requests = %v", v)
	}
	if v := testutil.ToFloat64(apiRequests.WithLabelValues("unmatched", "404")); v != 1 {
		t.Fatalf("unmatched requests = %v", v)
	}

	ObserveCall("success", 20*time.Millisecond)
	expected := `
# HELP nfrx_coord_server_draining 1 while the server is draining
# TYPE nfrx_coord_server_draining gauge
nfrx_coord_server_draining 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "nfrx_coord_server_draining"); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n := testutil.CollectAndCount(callDuration); n != 1 {
		t.Fatalf("call duration series = %d; want 1", n)
	}
}
