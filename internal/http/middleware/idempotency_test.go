package middleware

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type lookupCall struct{ actor, session, key string }

func idemRouter(lookup IdempotencyLookup) *gin.Engine {
	r := gin.New()
	r.Use(Authenticate(AuthOptions{}), IdempotencyValidator(IdempotencyOptions{MaxLen: 16}, lookup))
	handler := func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	}
	r.POST("/sessions/:id/messages", handler)
	r.GET("/sessions/:id/messages", handler)
	return r
}

func TestIdempotencyValidator_RejectsMalformedKeys(t *testing.T) {
	r := idemRouter(nil)
	for _, key := range []string{"has space", "semi;colon", strings.Repeat("k", 17)} {
		w := do(r, http.MethodPost, "/sessions/s1/messages", map[string]string{HeaderIdempotencyKey: key})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("key %q: status = %d", key, w.Code)
		}
		if decode(t, w.Body.Bytes())["code"] != "bad_idempotency_key" {
			t.Fatalf("key %q: body %s", key, w.Body)
		}
	}
}

func TestIdempotencyValidator_StoresKeyAndFlagsReplay(t *testing.T) {
	var calls []lookupCall
	lookup := func(_ context.Context, actor, session, key string, _ time.Time) (bool, error) {
		calls = append(calls, lookupCall{actor, session, key})
		return key == "seen-1", nil
	}
	r := idemRouter(lookup)

	got := decode(t, do(r, http.MethodPost, "/sessions/s1/messages", map[string]string{
		HeaderIdempotencyKey: "fresh-1", HeaderVisitorID: "v9",
	}).Body.Bytes())
	if got["key"] != "fresh-1" || got["replay"] != false || got["bypass"] != false {
		t.Fatalf("fresh key: %v", got)
	}

	got = decode(t, do(r, http.MethodPost, "/sessions/s1/messages", map[string]string{
		HeaderIdempotencyKey: "seen-1", HeaderOperatorID: "op1",
	}).Body.Bytes())
	if got["replay"] != true || got["bypass"] != true {
		t.Fatalf("stored key: %v", got)
	}

	want := []lookupCall{{"visitor:v9", "s1", "fresh-1"}, {"op:op1", "s1", "seen-1"}}
	if len(calls) != len(want) {
		t.Fatalf("lookup calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestIdempotencyValidator_IgnoresSafeMethodsAndLookupErrors(t *testing.T) {
	lookup := func(context.Context, string, string, string, time.Time) (bool, error) {
		return true, context.DeadlineExceeded
	}
	r := idemRouter(lookup)

	// keys on GET are not validated at all
	if w := do(r, http.MethodGet, "/sessions/s1/messages", map[string]string{HeaderIdempotencyKey: "bad key"}); w.Code != http.StatusOK {
		t.Fatalf("GET: status = %d", w.Code)
	}
	got := decode(t, do(r, http.MethodPost, "/sessions/s1/messages", map[string]string{HeaderIdempotencyKey: "k1"}).Body.Bytes())
	if got["replay"] != false {
		t.Fatalf("lookup error must not flag a replay: %v", got)
	}
}
