package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v3"
)

// TrustChecker reports whether an address belongs to the operator
type TrustChecker interface {
	IsTrusted(ip string) bool
}

// TrustedOnly rejects callers whose address is not trusted with 403.
// A nil checker rejects everyone.
func TrustedOnly(checker TrustChecker, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c fiber.Ctx) error {
		ip := c.IP()
		if checker == nil || !checker.IsTrusted(ip) {
			logger.Warn("admin request from untrusted address",
				"ip", ip,
				"path", c.Path(),
				"request_id", GetRequestID(c),
			)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":      "Forbidden",
				"request_id": GetRequestID(c),
			})
		}
		return c.Next()
	}
}
