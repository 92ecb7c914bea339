package middleware

import (
	"github.com/gofiber/fiber/v3"
)

// SecurityHeaders sets response headers for the admin API. It serves JSON
// and metrics only, so the content policy forbids everything.
func SecurityHeaders() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")

		return c.Next()
	}
}
