package middleware

import (
	"strconv"
	"strings"
	"time"

	"edgeproxy/internal/config"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
)

// RateLimitMiddleware throttles admin API callers per address
type RateLimitMiddleware struct {
	config *config.RateLimitConfig
}

// NewRateLimitMiddleware creates a new rate limit middleware instance
func NewRateLimitMiddleware(cfg *config.RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		config: cfg,
	}
}

// Middleware returns the limiter, or a pass-through when disabled.
// Health probes are never limited.
func (m *RateLimitMiddleware) Middleware() fiber.Handler {
	if m.config == nil || !m.config.Enabled {
		return func(c fiber.Ctx) error {
			return c.Next()
		}
	}

	window := time.Duration(m.config.WindowSeconds) * time.Second
	return limiter.New(limiter.Config{
		Max:        m.config.MaxRequests,
		Expiration: window,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return rateLimitResponse(c, window)
		},
		Next: func(c fiber.Ctx) bool {
			return isHealthEndpoint(c.Path())
		},
	})
}

// rateLimitResponse returns a 429 Too Many Requests response
func rateLimitResponse(c fiber.Ctx, window time.Duration) error {
	retryAfter := c.GetRespHeader(fiber.HeaderRetryAfter)
	if retryAfter == "" {
		retryAfter = strconv.Itoa(int(window.Seconds()))
	}

	c.Set(fiber.HeaderRetryAfter, retryAfter)
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "Too many requests",
		"retry_after": retryAfter,
		"request_id":  GetRequestID(c),
	})
}

func isHealthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/health")
}
