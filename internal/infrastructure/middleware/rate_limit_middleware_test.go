package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tilecast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "", nil).Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", nil).Code)

	limited := get(router, "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"RATE_LIMIT_EXCEEDED","message":"rate limit exceeded"}`, limited.Body.String())

	// A different address has its own bucket.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234", nil).Code)
}

func TestHTTPRateLimitMiddleware_ConcurrencyCap(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1000
	cfg.RateLimiting.HTTP.Burst = 1000
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	gin.SetMode(gin.TestMode)
	entered := make(chan struct{})
	release := make(chan struct{})
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	first := make(chan int, 1)
	go func() { first <- get(router, "10.0.0.1:1234", nil).Code }()
	<-entered

	busy := get(router, "10.0.0.2:1234", nil)
	assert.Equal(t, http.StatusServiceUnavailable, busy.Code)
	assert.JSONEq(t, `{"error":"SERVICE_UNAVAILABLE","message":"too many concurrent requests"}`, busy.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestHTTPRateLimitMiddleware_ForwardedFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	proxied := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", proxied).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.9:1234", proxied).Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.4 ,192.0.2.1")
	assert.Equal(t, "198.51.100.4", clientIP(req))
}

func TestRateLimiterStore_SweepsIdleEntries(t *testing.T) {
	store := newRateLimiterStore(rate.Limit(1), 1)
	base := time.Now()
	store.now = func() time.Time { return base }

	require.NotNil(t, store.getLimiter("a"))
	require.NotNil(t, store.getLimiter("b"))
	assert.Equal(t, 2, store.size())

	store.now = func() time.Time { return base.Add(2 * limiterIdleTTL) }
	store.getLimiter("c")
	assert.Equal(t, 1, store.size())
}
