package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 200 {
		t.Errorf("RequestsPerMinute = %d, want 200", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 50 {
		t.Errorf("BurstSize = %d, want 50", cfg.BurstSize)
	}
}

func TestExportRateLimitConfig(t *testing.T) {
	tests := []struct {
		in        int
		wantRPM   int
		wantBurst int
	}{
		{0, 10, 5},
		{1, 1, 1},
		{30, 30, 15},
	}
	for _, tt := range tests {
		cfg := ExportRateLimitConfig(tt.in)
		if cfg.RequestsPerMinute != tt.wantRPM || cfg.BurstSize != tt.wantBurst {
			t.Errorf("ExportRateLimitConfig(%d) = %d/%d, want %d/%d",
				tt.in, cfg.RequestsPerMinute, cfg.BurstSize, tt.wantRPM, tt.wantBurst)
		}
	}
}

// ---------------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl := newTestLimiter(1, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("burst") {
			t.Fatalf("Allow() #%d = false, want true within burst", i+1)
		}
	}
	if rl.Allow("burst") {
		t.Error("Allow() after burst = true, want false")
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(6000, 1) // one token every 10ms
	defer rl.Stop()

	rl.Allow("refill")
	if rl.Allow("refill") {
		t.Fatal("second immediate Allow() = true, want false")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("refill") {
		t.Error("Allow() after refill interval = false, want true")
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	rl.Allow("a")
	if !rl.Allow("b") {
		t.Error("Allow(b) = false after exhausting a, want true")
	}
}

func TestRateLimiter_RemainingTokens(t *testing.T) {
	rl := newTestLimiter(1, 5)
	defer rl.Stop()

	if got := rl.RemainingTokens("new"); got != 5 {
		t.Errorf("RemainingTokens(new) = %d, want 5", got)
	}
	rl.Allow("used")
	rl.Allow("used")
	if got := rl.RemainingTokens("used"); got != 3 {
		t.Errorf("RemainingTokens(used) = %d, want 3", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey(t *testing.T) {
	tests := []struct {
		name   string
		userID interface{}
		want   string
	}{
		{"authenticated user", int64(42), "user:42"},
		{"zero user id falls back to ip", int64(0), "ip:192.0.2.1"},
		{"wrong type falls back to ip", "42", "ip:192.0.2.1"},
		{"anonymous", nil, "ip:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "192.0.2.1:1234"
			if tt.userID != nil {
				c.Set(UserIDKey, tt.userID)
			}
			if got := getRateLimitKey(c); got != tt.want {
				t.Errorf("getRateLimitKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newTestLimiter(1, 2)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	for i := 0; i < 2; i++ {
		w := do(r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "1" {
			t.Errorf("X-RateLimit-Limit = %q, want 1", got)
		}
	}

	w := do(r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}
