package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/ffmpeg-egress/pkg/auth"
)

func TestLimiter(t *testing.T) {
	// burst of 2: two tokens up front, then one every 100ms
	limiter := NewLimiter(10, 2)

	assert.True(t, limiter.Allow("test-key"), "first request")
	assert.True(t, limiter.Allow("test-key"), "second request")
	assert.False(t, limiter.Allow("test-key"), "third request should be limited")
	assert.True(t, limiter.Allow("other-key"), "keys are independent")

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("test-key"), "request after refill")
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)
	handler := limiter.Middleware(func(r *http.Request) string {
		return "test-key"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/egress", nil))
		codes[i] = rr.Code
		if rr.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rr.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 2)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	assert.Equal(t, 1, limiter.CleanupOldLimiters(5*time.Minute))
	assert.Equal(t, 1, limiter.Len())
	assert.Equal(t, 0, limiter.CleanupOldLimiters(5*time.Minute))
}

func TestKeyFuncs(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		keyName    string
		wantIP     string
		wantClient string
	}{
		{
			name:       "remote address",
			remoteAddr: "10.0.0.7:51234",
			wantIP:     "10.0.0.7",
			wantClient: "ip:10.0.0.7",
		},
		{
			name:       "forwarded chain",
			remoteAddr: "10.0.0.7:51234",
			xff:        "203.0.113.9, 10.0.0.1",
			wantIP:     "203.0.113.9",
			wantClient: "ip:203.0.113.9",
		},
		{
			name:       "authenticated caller",
			remoteAddr: "10.0.0.7:51234",
			keyName:    "dashboard",
			wantIP:     "10.0.0.7",
			wantClient: "key:dashboard",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/egress", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.keyName != "" {
				req = req.WithContext(auth.WithKeyName(req.Context(), tt.keyName))
			}
			assert.Equal(t, tt.wantIP, IPKeyFunc(req))
			assert.Equal(t, tt.wantClient, ClientKeyFunc(req))
		})
	}
}
