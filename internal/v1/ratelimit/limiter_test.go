package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, wsRate, httpRate string) *RateLimiter {
	t.Helper()
	rl, err := New(Config{WsConnectRate: wsRate, HTTPRate: httpRate})
	require.NoError(t, err)
	return rl
}

func TestNew_InvalidRates(t *testing.T) {
	_, err := New(Config{WsConnectRate: "lots", HTTPRate: "1000-M"})
	assert.Error(t, err)
	_, err = New(Config{WsConnectRate: "100-M", HTTPRate: ""})
	assert.Error(t, err)
}

func TestCheckWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newLimiter(t, "1-M", "1000-M")

	check := func() (bool, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		c.Request.RemoteAddr = "10.0.0.1:1234"
		return rl.CheckWebSocket(c), w
	}

	ok, _ := check()
	assert.True(t, ok)

	ok, w := check()
	assert.False(t, ok, "second attempt within the window is rejected")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newLimiter(t, "100-M", "2-M")

	router := gin.New()
	router.Use(rl.HTTPMiddleware())
	router.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		router.ServeHTTP(w, req)
		return w
	}

	w := get()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	get()
	w = get()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
