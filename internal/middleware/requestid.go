package middleware

import (
	"regexp"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the admin request ID
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the fiber Locals key holding the request ID
	RequestIDKey = "request_id"
)

// validRequestID accepts UUIDs or short alphanumeric+hyphen tokens
var validRequestID = regexp.MustCompile(`^[0-9a-zA-Z-]{1,64}$`)

// RequestID tags each admin request with an ID, reusing a well-formed
// client-supplied X-Request-ID and minting a UUID otherwise.
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}

		c.Locals(RequestIDKey, id)
		c.Set(RequestIDHeader, id)

		return c.Next()
	}
}

// GetRequestID returns the request ID stored by RequestID, or ""
func GetRequestID(c fiber.Ctx) string {
	if id, ok := c.Locals(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
