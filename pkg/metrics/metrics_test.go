package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Creation(t *testing.T) {
	reg := New()

	rm := NewResilienceMetrics(reg)
	dm := NewDirectoryMetrics(reg)
	nm := NewNodeMetrics(reg)

	if rm.Attempts == nil || rm.Failovers == nil {
		t.Error("resilience metrics not created")
	}
	if dm.ActiveNodes == nil || dm.Expired == nil {
		t.Error("directory metrics not created")
	}
	if nm.Peers == nil || nm.VerifyLatency == nil {
		t.Error("node metrics not created")
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two nodes in one process must not collide
	a := NewNodeMetrics(New())
	b := NewNodeMetrics(New())

	a.Peers.Set(3)
	b.Peers.Set(5)

	if got := testutil.ToFloat64(a.Peers); got != 3 {
		t.Errorf("expected 3 peers, got %v", got)
	}
	if got := testutil.ToFloat64(b.Peers); got != 5 {
		t.Errorf("expected 5 peers, got %v", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	reg := New()
	dm := NewDirectoryMetrics(reg)
	dm.Registrations.Inc()

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "blocksnap_directory_registrations_total 1") {
		t.Errorf("registration counter missing from output:\n%s", rec.Body.String())
	}
}
