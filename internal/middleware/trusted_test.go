package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkerFunc func(ip string) bool

func (f checkerFunc) IsTrusted(ip string) bool { return f(ip) }

func guardedApp(checker TrustChecker) *fiber.App {
	app := fiber.New()
	app.Use(RequestID())
	app.Use(TrustedOnly(checker, nil))
	app.Post("/admin/blacklist", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})
	return app
}

func TestTrustedOnly(t *testing.T) {
	var asked []string
	allow := checkerFunc(func(ip string) bool {
		asked = append(asked, ip)
		return true
	})
	deny := checkerFunc(func(string) bool { return false })

	tests := []struct {
		name    string
		checker TrustChecker
		want    int
	}{
		{"trusted", allow, 200},
		{"untrusted", deny, 403},
		{"no checker", nil, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := guardedApp(tt.checker).Test(httptest.NewRequest("POST", "/admin/blacklist", nil))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	require.Len(t, asked, 1)
	assert.NotEmpty(t, asked[0], "checker should receive the caller address")
}

func TestSecurityHeaders(t *testing.T) {
	app := fiber.New()
	app.Use(SecurityHeaders())
	app.Get("/health", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")
}
