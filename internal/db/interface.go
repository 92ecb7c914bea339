package db

import (
	"context"
	"time"
)

// Database defines the interface for all database operations
// This interface enables mocking in unit tests
type Database interface {
	// Connection management
	Ping(ctx context.Context) error
	Close()
	EnsureSchema(ctx context.Context) error

	// Reputation
	IsBlacklisted(ctx context.Context, ip string) (bool, error)
	IsAllowlisted(ctx context.Context, ip string) (bool, error)
	UpsertBlacklist(ctx context.Context, ip, reason, countryCode string) error
	UpsertAllowlist(ctx context.Context, ip, note string) error
	GetBlacklistEntry(ctx context.Context, ip string) (*BlacklistEntry, error)
	GetAllowlistEntry(ctx context.Context, ip string) (*AllowlistEntry, error)

	// Request telemetry
	InsertRequestEvent(ctx context.Context, ev *RequestEvent) error
	RecentRequestEvents(ctx context.Context, ip string, limit int) ([]*RequestEvent, error)

	// Partition maintenance
	EnsureMonthlyPartition(ctx context.Context, t time.Time) (bool, error)
	ListMonthlyPartitions(ctx context.Context) ([]string, error)
	DropMonthlyPartition(ctx context.Context, name string) error
	PruneDefaultPartition(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ensure DB implements Database interface
var _ Database = (*DB)(nil)
