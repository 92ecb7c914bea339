// Package reputation answers "is this address blocked or exempt" on the request
// path and records strikes against addresses without blocking that path.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edgeproxy/internal/db"
	"edgeproxy/internal/worker"
)

// ErrDisabled is returned by synchronous writes when no database is available
var ErrDisabled = errors.New("reputation store disabled")

// Mode selects how a write is performed
type Mode int

const (
	// Async enqueues the write and returns immediately
	Async Mode = iota
	// Sync performs the write inline and reports its error
	Sync
)

// Backend is the persistence the store needs
type Backend interface {
	IsBlacklisted(ctx context.Context, ip string) (bool, error)
	IsAllowlisted(ctx context.Context, ip string) (bool, error)
	UpsertBlacklist(ctx context.Context, ip, reason, countryCode string) error
	UpsertAllowlist(ctx context.Context, ip, note string) error
	GetBlacklistEntry(ctx context.Context, ip string) (*db.BlacklistEntry, error)
	GetAllowlistEntry(ctx context.Context, ip string) (*db.AllowlistEntry, error)
	RecentRequestEvents(ctx context.Context, ip string, limit int) ([]*db.RequestEvent, error)
}

// RecentEventLimit caps the request events returned by Lookup
const RecentEventLimit = 10

// Submitter accepts background jobs
type Submitter interface {
	Submit(ctx context.Context, job worker.Job) error
}

// Status is the current reputation of one address
type Status struct {
	IP        string
	Blacklist *db.BlacklistEntry
	Allowlist *db.AllowlistEntry
	Recent    []*db.RequestEvent
}

// Store fronts the blacklist and allowlist tables
type Store struct {
	backend       Backend
	queue         Submitter
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// NewStore creates a store. A nil backend yields a disabled store whose
// checks all return false.
func NewStore(backend Backend, queue Submitter, lookupTimeout time.Duration, logger *slog.Logger) *Store {
	if lookupTimeout <= 0 {
		lookupTimeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:       backend,
		queue:         queue,
		lookupTimeout: lookupTimeout,
		logger:        logger.With("component", "reputation"),
	}
}

// Enabled reports whether a backend is configured
func (s *Store) Enabled() bool {
	return s != nil && s.backend != nil
}

// IsBlacklisted reports whether ip is blocked. Errors read as false.
func (s *Store) IsBlacklisted(ctx context.Context, ip string) bool {
	if !s.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	blocked, err := s.backend.IsBlacklisted(ctx, ip)
	if err != nil {
		s.logger.Warn("blacklist lookup failed", "ip", ip, "error", err)
		return false
	}
	return blocked
}

// IsAllowlisted reports whether ip is exempt. Errors read as false.
func (s *Store) IsAllowlisted(ctx context.Context, ip string) bool {
	if !s.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	allowed, err := s.backend.IsAllowlisted(ctx, ip)
	if err != nil {
		s.logger.Warn("allowlist lookup failed", "ip", ip, "error", err)
		return false
	}
	return allowed
}

// Blacklist records a strike against ip. An empty reason or country leaves
// the stored value untouched.
func (s *Store) Blacklist(ctx context.Context, ip, reason, countryCode string, mode Mode) error {
	return s.write(ctx, mode, "blacklist", ip, func(ctx context.Context) error {
		return s.backend.UpsertBlacklist(ctx, ip, reason, countryCode)
	})
}

// Allowlist exempts ip and clears its blacklist row
func (s *Store) Allowlist(ctx context.Context, ip, note string, mode Mode) error {
	return s.write(ctx, mode, "allowlist", ip, func(ctx context.Context) error {
		return s.backend.UpsertAllowlist(ctx, ip, note)
	})
}

// Lookup returns both list entries for ip, either of which may be nil, and
// its newest request events
func (s *Store) Lookup(ctx context.Context, ip string) (*Status, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	status := &Status{IP: ip}

	bl, err := s.backend.GetBlacklistEntry(ctx, ip)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	status.Blacklist = bl

	al, err := s.backend.GetAllowlistEntry(ctx, ip)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	status.Allowlist = al

	recent, err := s.backend.RecentRequestEvents(ctx, ip, RecentEventLimit)
	if err != nil {
		return nil, err
	}
	status.Recent = recent

	return status, nil
}

func (s *Store) write(ctx context.Context, mode Mode, op, ip string, fn worker.Job) error {
	if !s.Enabled() {
		if mode == Sync {
			return ErrDisabled
		}
		return nil
	}

	if mode == Sync || s.queue == nil {
		if err := fn(ctx); err != nil {
			if mode == Sync {
				return fmt.Errorf("%s %s: %w", op, ip, err)
			}
			s.logger.Warn("reputation write failed", "op", op, "ip", ip, "error", err)
		}
		return nil
	}

	if err := s.queue.Submit(ctx, fn); err != nil {
		s.logger.Warn("reputation write not queued", "op", op, "ip", ip, "error", err)
	}
	return nil
}
