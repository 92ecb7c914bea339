package db

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	requestEventTable   = "request_event"
	defaultPartition    = "request_event_default"
	partitionNameLayout = "200601"
)

var monthlyPartitionName = regexp.MustCompile(`^request_event_\d{6}$`)

// MonthStart truncates t to the first instant of its UTC calendar month
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionName returns request_event_YYYYMM for the month containing t
func PartitionName(t time.Time) string {
	return requestEventTable + "_" + MonthStart(t).Format(partitionNameLayout)
}

// ParsePartitionMonth returns the month a monthly partition covers.
// The default partition and any other table name report ok=false.
func ParsePartitionMonth(name string) (time.Time, bool) {
	if !monthlyPartitionName.MatchString(name) {
		return time.Time{}, false
	}
	month, err := time.Parse(partitionNameLayout, name[len(requestEventTable)+1:])
	if err != nil {
		return time.Time{}, false
	}
	return month.UTC(), true
}

// EnsureMonthlyPartition creates the partition for the month containing t.
// Rows for that month already sitting in the default partition are moved into
// the new partition before it is attached. It returns true if the partition
// was created.
func (db *DB) EnsureMonthlyPartition(ctx context.Context, t time.Time) (bool, error) {
	from := MonthStart(t)
	to := from.AddDate(0, 1, 0)
	name := PartitionName(from)
	ident := pgx.Identifier{name}.Sanitize()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize concurrent creators of the same partition
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return false, fmt.Errorf("failed to lock partition %s: %w", name, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = $1 AND c.relname = $2
		)
	`, requestEventTable, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check partition %s: %w", name, err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS INCLUDING CONSTRAINTS)`,
		ident, requestEventTable,
	)); err != nil {
		return false, fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE ts >= $1 AND ts < $2 RETURNING *
		)
		INSERT INTO %s SELECT * FROM moved
	`, defaultPartition, ident), from, to); err != nil {
		return false, fmt.Errorf("failed to move default rows into %s: %w", name, err)
	}

	// Partition bounds must be literals; both come from time.Format
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s ATTACH PARTITION %s FOR VALUES FROM ('%s') TO ('%s')`,
		requestEventTable, ident, from.Format(time.RFC3339), to.Format(time.RFC3339),
	)); err != nil {
		return false, fmt.Errorf("failed to attach partition %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit partition %s: %w", name, err)
	}
	return true, nil
}

// ListMonthlyPartitions returns the names of attached request_event_YYYYMM partitions
func (db *DB) ListMonthlyPartitions(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT c.relname FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname
	`, requestEventTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan partition name: %w", err)
		}
		if monthlyPartitionName.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// DropMonthlyPartition drops one request_event_YYYYMM partition.
// Any other name, including the default partition, is refused.
func (db *DB) DropMonthlyPartition(ctx context.Context, name string) error {
	if !monthlyPartitionName.MatchString(name) {
		return fmt.Errorf("refusing to drop %q: not a monthly partition", name)
	}
	if _, err := db.pool.Exec(ctx, `DROP TABLE IF EXISTS `+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return nil
}

// PruneDefaultPartition deletes default-partition rows older than cutoff
func (db *DB) PruneDefaultPartition(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.pool.Exec(ctx, `DELETE FROM `+defaultPartition+` WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune default partition: %w", err)
	}
	return result.RowsAffected(), nil
}
