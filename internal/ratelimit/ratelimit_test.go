package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("agent-1") {
			t.Errorf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("agent-1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestAllow_Refill(t *testing.T) {
	// 600/min = 10 tokens a second, so 110ms is enough for one.
	l := New(Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("agent-1") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("agent-1") {
		t.Fatal("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !l.Allow("agent-1") {
		t.Error("request after refill interval should be allowed")
	}
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("tok:cpk_aaaaaaaaaaaa")
	}
	if l.Allow("tok:cpk_aaaaaaaaaaaa") {
		t.Error("exhausted key should be denied")
	}
	if !l.Allow("tok:cpk_bbbbbbbbbbbb") {
		t.Error("fresh key should have its own bucket")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}

func TestMiddleware_KeysByBearerToken(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// Both requests arrive from the same test IP, so without token keying
	// the second would be rejected.
	if w := do("cpk_agent_one_secret"); w.Code != http.StatusOK {
		t.Fatalf("first token: status = %d, want 200", w.Code)
	}
	if w := do("cpk_agent_two_secret"); w.Code != http.StatusOK {
		t.Fatalf("second token: status = %d, want 200", w.Code)
	}

	// Same token again exhausts its single-token bucket.
	w := do("cpk_agent_one_secret")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat token: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Errorf("error = %q, want %q", body["error"], "rate_limited")
	}
}
