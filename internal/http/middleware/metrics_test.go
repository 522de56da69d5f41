package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteTemplate(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/ok/:id", func(c *gin.Context) { c.String(http.StatusOK, "fine") })

	ok := httpReqs.WithLabelValues("GET", "/ok/:id", "200")
	missing := httpReqs.WithLabelValues("GET", "unmatched", "404")
	beforeOK, beforeMissing := testutil.ToFloat64(ok), testutil.ToFloat64(missing)

	do(r, http.MethodGet, "/ok/1", nil)
	do(r, http.MethodGet, "/ok/2", nil)
	do(r, http.MethodGet, "/nowhere", nil)

	if got := testutil.ToFloat64(ok) - beforeOK; got != 2 {
		t.Fatalf("route counter delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(missing) - beforeMissing; got != 1 {
		t.Fatalf("unmatched counter delta = %v, want 1", got)
	}
	if testutil.ToFloat64(httpInflight) != 0 {
		t.Fatalf("inflight gauge not released")
	}
}

func TestMetrics_UpgradeSkipsLatency(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/ws/x", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	before := testutil.CollectAndCount(httpLat)
	do(r, http.MethodGet, "/ws/x", map[string]string{"Upgrade": "websocket"})

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/ws/x", "400")); got < 1 {
		t.Fatalf("upgrade request not counted")
	}
	if after := testutil.CollectAndCount(httpLat); after != before {
		t.Fatalf("latency observed for upgrade: %d -> %d series", before, after)
	}
}
