package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	m := New()
	m.PollRequests.WithLabelValues("meter", "success").Inc()
	m.PollRequests.WithLabelValues("meter", "success").Inc()
	m.SerialBytes.WithLabelValues(PortLabel(1), "out").Add(8)

	if got := testutil.ToFloat64(m.PollRequests.WithLabelValues("meter", "success")); got != 2 {
		t.Fatalf("poll requests = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"gateway_poll_requests_total", "gateway_serial_bytes_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.PollCycles.Inc()
	if testutil.ToFloat64(b.PollCycles) != 0 {
		t.Fatal("registries share state")
	}
}
