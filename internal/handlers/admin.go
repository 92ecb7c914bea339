package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"edgeproxy/internal/middleware"
	"edgeproxy/internal/reputation"

	"github.com/gofiber/fiber/v3"
)

const maxNoteLength = 256

// ReputationService is the part of the reputation store the admin API drives
type ReputationService interface {
	Blacklist(ctx context.Context, ip, reason, countryCode string, mode reputation.Mode) error
	Allowlist(ctx context.Context, ip, note string, mode reputation.Mode) error
	Lookup(ctx context.Context, ip string) (*reputation.Status, error)
}

// AdminHandler exposes manual blacklist and allowlist management
type AdminHandler struct {
	store  ReputationService
	logger *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(store ReputationService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		store:  store,
		logger: logger.With("component", "admin"),
	}
}

// BlacklistRequest is the body of POST /admin/blacklist
type BlacklistRequest struct {
	IP      string `json:"ip"`
	Reason  string `json:"reason,omitempty"`
	Country string `json:"country,omitempty"`
}

// AllowlistRequest is the body of POST /admin/allowlist
type AllowlistRequest struct {
	IP   string `json:"ip"`
	Note string `json:"note,omitempty"`
}

// BlacklistView is the JSON form of a blacklist row
type BlacklistView struct {
	Reason      string    `json:"reason,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Hits        int64     `json:"hits"`
}

// AllowlistView is the JSON form of an allowlist row
type AllowlistView struct {
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventView is the JSON form of a recent request event
type EventView struct {
	TS        time.Time `json:"ts"`
	Host      string    `json:"host"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    *int      `json:"status"`
	LatencyMs *int      `json:"latency_ms"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// ReputationResponse is returned by GET /admin/reputation/:ip
type ReputationResponse struct {
	IP           string         `json:"ip"`
	Blacklisted  bool           `json:"blacklisted"`
	Allowlisted  bool           `json:"allowlisted"`
	Blacklist    *BlacklistView `json:"blacklist,omitempty"`
	Allowlist    *AllowlistView `json:"allowlist,omitempty"`
	RecentEvents []EventView    `json:"recent_events"`
}

// RegisterRoutes mounts the admin endpoints on router, which the caller
// is expected to have guarded with middleware.TrustedOnly
func (h *AdminHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/blacklist", h.Blacklist)
	router.Post("/allowlist", h.Allowlist)
	router.Get("/reputation/:ip", h.Reputation)
}

// Blacklist adds or refreshes a blacklist row
func (h *AdminHandler) Blacklist(c fiber.Ctx) error {
	var req BlacklistRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ip, ok := canonicalIP(req.IP)
	if !ok {
		return badRequest(c, "ip must be a valid IPv4 or IPv6 address")
	}
	if utf8.RuneCountInString(req.Reason) > maxNoteLength {
		return badRequest(c, "reason is too long")
	}
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country != "" && !isCountryCode(country) {
		return badRequest(c, "country must be a two-letter code")
	}

	if err := h.store.Blacklist(c.Context(), ip, req.Reason, country, reputation.Sync); err != nil {
		return h.unavailable(c, "blacklist", ip, err)
	}

	h.logger.Info("address blacklisted", "ip", ip, "reason", req.Reason, "request_id", middleware.GetRequestID(c))
	return c.JSON(fiber.Map{
		"ip":     ip,
		"status": "blacklisted",
	})
}

// Allowlist exempts an address and clears its blacklist row
func (h *AdminHandler) Allowlist(c fiber.Ctx) error {
	var req AllowlistRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ip, ok := canonicalIP(req.IP)
	if !ok {
		return badRequest(c, "ip must be a valid IPv4 or IPv6 address")
	}
	if utf8.RuneCountInString(req.Note) > maxNoteLength {
		return badRequest(c, "note is too long")
	}

	if err := h.store.Allowlist(c.Context(), ip, req.Note, reputation.Sync); err != nil {
		return h.unavailable(c, "allowlist", ip, err)
	}

	h.logger.Info("address allowlisted", "ip", ip, "request_id", middleware.GetRequestID(c))
	return c.JSON(fiber.Map{
		"ip":     ip,
		"status": "allowlisted",
	})
}

// Reputation reports both list entries and the newest request events for
// an address
func (h *AdminHandler) Reputation(c fiber.Ctx) error {
	ip, ok := canonicalIP(c.Params("ip"))
	if !ok {
		return badRequest(c, "ip must be a valid IPv4 or IPv6 address")
	}

	status, err := h.store.Lookup(c.Context(), ip)
	if err != nil {
		return h.unavailable(c, "lookup", ip, err)
	}

	resp := ReputationResponse{IP: ip, RecentEvents: make([]EventView, 0, len(status.Recent))}
	if bl := status.Blacklist; bl != nil {
		resp.Blacklisted = true
		resp.Blacklist = &BlacklistView{
			Reason:      deref(bl.Reason),
			CountryCode: deref(bl.CountryCode),
			FirstSeen:   bl.FirstSeen,
			LastSeen:    bl.LastSeen,
			Hits:        bl.Hits,
		}
	}
	if al := status.Allowlist; al != nil {
		resp.Allowlisted = true
		resp.Allowlist = &AllowlistView{
			Note:      deref(al.Note),
			CreatedAt: al.CreatedAt,
		}
	}
	for _, ev := range status.Recent {
		resp.RecentEvents = append(resp.RecentEvents, EventView{
			TS:        ev.TS,
			Host:      ev.Host,
			Method:    ev.Method,
			Path:      ev.Path,
			Status:    ev.Status,
			LatencyMs: ev.LatencyMs,
			Reason:    deref(ev.SuspiciousReason),
			RequestID: deref(ev.RequestID),
		})
	}
	return c.JSON(resp)
}

func (h *AdminHandler) unavailable(c fiber.Ctx, op, ip string, err error) error {
	message := "Reputation store unavailable"
	if errors.Is(err, reputation.ErrDisabled) {
		message = "Reputation store disabled"
	} else {
		h.logger.Error("admin reputation operation failed",
			"op", op,
			"ip", ip,
			"error", err,
			"request_id", middleware.GetRequestID(c),
		)
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":      message,
		"request_id": middleware.GetRequestID(c),
	})
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":      message,
		"request_id": middleware.GetRequestID(c),
	})
}

// canonicalIP parses s and returns its canonical text form
func canonicalIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
