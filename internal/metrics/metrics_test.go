package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.ItemsReported.WithLabelValues("urgent").Inc()
	m.ItemsMerged.WithLabelValues("auto").Add(3)
	m.ObserveHTTP(http.MethodGet, "/api/v1/queues", http.StatusOK, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.ItemsMerged.WithLabelValues("auto")); got != 3 {
		t.Fatalf("expected 3 auto merges, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{
		"replenish_replacement_items_reported_total",
		"replenish_merged_items_total",
		"replenish_http_request_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}
}
