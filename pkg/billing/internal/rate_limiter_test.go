package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))

	// Other clients are independent
	assert.True(t, rl.Allow("2.2.2.2"))

	clock.Advance(time.Minute + time.Second)
	assert.True(t, rl.Allow("1.1.1.1"))
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	assert.Equal(t, 150, rl.Size())

	clock.Advance(2 * time.Minute)
	rl.Cleanup()
	assert.Equal(t, 0, rl.Size())
}

func TestRateLimiter_CleanupDeterministic(t *testing.T) {
	rl, clock := newTestLimiter(1000, time.Minute)

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	clock.Advance(2 * time.Minute)

	// The 100th request triggers a sweep of the expired buckets
	for i := 0; i < 50; i++ {
		rl.Allow("10.1.1.1")
	}
	assert.Equal(t, 1, rl.Size())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	var limited []string
	rl.OnLimited = func(ip string) { limited = append(limited, ip) }

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
	assert.Equal(t, []string{"203.0.113.7"}, limited)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.2 ,10.0.0.1")
	assert.Equal(t, "198.51.100.2", GetClientIP(req))
}
