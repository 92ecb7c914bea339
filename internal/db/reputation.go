package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IsBlacklisted reports whether ip has a blacklist row
func (db *DB) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ip_blacklist WHERE ip = $1)
	`, ip).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return exists, nil
}

// IsAllowlisted reports whether ip has an allowlist row
func (db *DB) IsAllowlisted(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ip_allowlist WHERE ip = $1)
	`, ip).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check allowlist: %w", err)
	}
	return exists, nil
}

// UpsertBlacklist inserts ip with hits=1, or bumps hits and last_seen on an
// existing row. Reason and country only fill columns that are still NULL, so
// the first classification of an address is the one kept.
func (db *DB) UpsertBlacklist(ctx context.Context, ip, reason, countryCode string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO ip_blacklist (ip, reason, country_code, first_seen, last_seen, hits)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (ip) DO UPDATE SET
			last_seen    = NOW(),
			hits         = ip_blacklist.hits + 1,
			reason       = COALESCE(ip_blacklist.reason, EXCLUDED.reason),
			country_code = COALESCE(ip_blacklist.country_code, EXCLUDED.country_code)
	`, ip, nullable(reason), nullable(countryCode))
	if err != nil {
		return fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}
	return nil
}

// UpsertAllowlist allowlists ip and removes any blacklist row for it in the
// same transaction. A non-empty note replaces the stored one.
func (db *DB) UpsertAllowlist(ctx context.Context, ip, note string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO ip_allowlist (ip, note, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (ip) DO UPDATE SET
			note = COALESCE(EXCLUDED.note, ip_allowlist.note)
	`, ip, nullable(note)); err != nil {
		return fmt.Errorf("failed to upsert allowlist entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ip_blacklist WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("failed to clear blacklist entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit allowlist: %w", err)
	}
	return nil
}

// GetBlacklistEntry returns the blacklist row for ip or ErrNotFound
func (db *DB) GetBlacklistEntry(ctx context.Context, ip string) (*BlacklistEntry, error) {
	var e BlacklistEntry
	err := db.pool.QueryRow(ctx, `
		SELECT ip, reason, country_code, first_seen, last_seen, hits
		FROM ip_blacklist WHERE ip = $1
	`, ip).Scan(&e.IP, &e.Reason, &e.CountryCode, &e.FirstSeen, &e.LastSeen, &e.Hits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}
	return &e, nil
}

// GetAllowlistEntry returns the allowlist row for ip or ErrNotFound
func (db *DB) GetAllowlistEntry(ctx context.Context, ip string) (*AllowlistEntry, error) {
	var e AllowlistEntry
	err := db.pool.QueryRow(ctx, `
		SELECT ip, note, created_at FROM ip_allowlist WHERE ip = $1
	`, ip).Scan(&e.IP, &e.Note, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allowlist entry: %w", err)
	}
	return &e, nil
}
