// Package ratelimit bounds websocket connection attempts and HTTP requests
// per client IP, backed by Redis when available so limits hold across
// instances.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
)

// Config holds the limit rates in ulule formatted notation ("100-M").
type Config struct {
	// WsConnectRate limits websocket connection attempts per IP.
	WsConnectRate string
	// HTTPRate limits HTTP requests per IP.
	HTTPRate string
	// Redis, when set, shares counters across instances. Nil falls back to a
	// per-process memory store.
	Redis *redis.Client
}

// RateLimiter enforces the configured limits.
type RateLimiter struct {
	wsConnect *limiter.Limiter
	http      *limiter.Limiter
}

// New builds a RateLimiter from the config.
func New(cfg Config) (*RateLimiter, error) {
	wsRate, err := limiter.NewRateFromFormatted(cfg.WsConnectRate)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket connect rate: %w", err)
	}
	httpRate, err := limiter.NewRateFromFormatted(cfg.HTTPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid http rate: %w", err)
	}

	var st limiter.Store
	if cfg.Redis != nil {
		st, err = sredis.NewStoreWithOptions(cfg.Redis, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
	} else {
		st = memory.NewStore()
	}

	return &RateLimiter{
		wsConnect: limiter.New(st, wsRate),
		http:      limiter.New(st, httpRate),
	}, nil
}

// CheckWebSocket reports whether a websocket connection attempt is within the
// per-IP limit. On rejection the HTTP error response is already written.
// Limiter store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	// Keys are namespaced so the two limiters never share counters for an IP.
	lctx, err := rl.wsConnect.Get(ctx, "ws:"+c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}

// HTTPMiddleware enforces the per-IP HTTP limit.
func (rl *RateLimiter) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := rl.http.Get(ctx, "http:"+c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("http").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}
