package observability

import (
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("signal", "GET", "/health", 200, 12*time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("signal", "GET", "/health", "200")); got < 1 {
		t.Fatalf("http request not recorded: %v", got)
	}
}

func TestDomainMetricsCountByLabel(t *testing.T) {
	testlog.Start(t)
	m := ForDomain("metrics_test")
	m.Received()
	m.Forwarded(3)
	m.Dropped(DropChecksum)
	m.Dropped(DropChecksum)
	m.Recovery("journal")
	m.Connected(false)
	m.Connected(true)
	m.Disconnected(false)
	m.Dispatched(5 * time.Microsecond)

	checks := []struct {
		c    prometheus.Collector
		want float64
	}{
		{framesReceived.WithLabelValues("metrics_test"), 1},
		{framesForwarded.WithLabelValues("metrics_test"), 3},
		{framesDropped.WithLabelValues("metrics_test", DropChecksum), 2},
		{recoveries.WithLabelValues("metrics_test", "journal"), 1},
		{connections.WithLabelValues("metrics_test", "consumer"), 0},
		{connections.WithLabelValues("metrics_test", "publisher"), 1},
	}
	for i, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Fatalf("check %d: got %v want %v", i, got, c.want)
		}
	}
}
