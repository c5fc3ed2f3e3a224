package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_ExposesMetrics(t *testing.T) {
	c := New()
	c.SessionsActive.Set(3)
	c.CacheHits.Inc()
	c.RetryTotal.WithLabelValues("network").Inc()
	c.ProxyBlockedTotal.WithLabelValues("shop.com").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"fleetscrape_sessions_active 3",
		"fleetscrape_cache_hits_total 1",
		`fleetscrape_retry_total{class="network"} 1`,
		`fleetscrape_proxy_blocked_total{domain="shop.com"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
