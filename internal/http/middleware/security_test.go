package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func securityRouter(opt SecurityOptions) *gin.Engine {
	r := gin.New()
	r.Use(SecurityHeaders(opt))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	w := do(securityRouter(SecurityOptions{}), http.MethodGet, "/", nil)
	h := w.Header()
	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if h.Get(k) != v {
			t.Fatalf("%s = %q, want %q", k, h.Get(k), v)
		}
	}
	for _, k := range []string{"Strict-Transport-Security", "Cache-Control", "Permissions-Policy"} {
		if h.Get(k) != "" {
			t.Fatalf("%s set without opting in", k)
		}
	}
	expose := h.Get("Access-Control-Expose-Headers")
	for _, name := range exposedHeaders {
		if !strings.Contains(expose, name) {
			t.Fatalf("%s not exposed: %q", name, expose)
		}
	}
}

func TestSecurityHeaders_Options(t *testing.T) {
	r := securityRouter(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour, NoStore: true, EnablePolicy: true})

	w := do(r, http.MethodGet, "/", nil)
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS sent over plain HTTP")
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("Permissions-Policy") == "" {
		t.Fatalf("optional headers missing: %v", w.Header())
	}

	w = do(r, http.MethodGet, "/", map[string]string{"X-Forwarded-Proto": "https"})
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains; preload" {
		t.Fatalf("HSTS = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("HSTS missing on TLS request")
	}
}

func TestExposeHeaders_Merges(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Length")
	exposeHeaders(h)
	got := h.Get("Access-Control-Expose-Headers")
	if strings.Count(got, "X-Request-ID") != 1 {
		t.Fatalf("duplicated header: %q", got)
	}
	if !strings.HasPrefix(got, "X-Request-ID, Content-Length") || !strings.Contains(got, "ETag") {
		t.Fatalf("merge result %q", got)
	}
}
