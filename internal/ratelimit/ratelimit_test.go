package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestBurstThenThrottle(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d inside the burst was throttled", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request beyond the burst was allowed")
	}

	// 60/min replenishes one token per second.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Error("request after replenishment was throttled")
	}
}

func TestClientsThrottledIndependently(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("10.0.0.1")
	}
	if l.Allow("10.0.0.1") {
		t.Error("exhausted client was allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("fresh client was throttled by another client's usage")
	}
}

func TestTokensCapAtBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 600, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("10.0.0.1")
	// Long idle time must not bank more than BurstSize tokens.
	time.Sleep(600 * time.Millisecond)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed > 2 {
		t.Errorf("allowed %d immediate requests, want at most the burst of 2", allowed)
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/products", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/products", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/products", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("throttled request status = %d, want 429", second.Code)
	}
}
