package db

import (
	"context"
	"fmt"
	"time"
)

// InsertRequestEvent appends one telemetry row. A zero TS is stamped with
// the current UTC time.
func (db *DB) InsertRequestEvent(ctx context.Context, ev *RequestEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO request_event (
			ts, ip, host, method, path, raw_query, status, latency_ms,
			ua, matched_rule, request_id, suspicious_reason, severity
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		ev.TS, ev.IP, ev.Host, ev.Method, ev.Path, ev.RawQuery, ev.Status, ev.LatencyMs,
		ev.UA, ev.MatchedRule, ev.RequestID, ev.SuspiciousReason, ev.Severity,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert request event: %w", err)
	}
	return nil
}

// RecentRequestEvents returns the newest events for ip, newest first
func (db *DB) RecentRequestEvents(ctx context.Context, ip string, limit int) ([]*RequestEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, ts, ip, host, method, path, raw_query, status, latency_ms,
		       ua, matched_rule, request_id, suspicious_reason, severity
		FROM request_event
		WHERE ip = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request events: %w", err)
	}
	defer rows.Close()

	var events []*RequestEvent
	for rows.Next() {
		ev := &RequestEvent{}
		if err := rows.Scan(
			&ev.ID, &ev.TS, &ev.IP, &ev.Host, &ev.Method, &ev.Path, &ev.RawQuery, &ev.Status, &ev.LatencyMs,
			&ev.UA, &ev.MatchedRule, &ev.RequestID, &ev.SuspiciousReason, &ev.Severity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate request events: %w", err)
	}
	return events, nil
}
