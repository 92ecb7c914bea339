package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edgeproxy/internal/db"
)

// PartitionStore is the partition DDL the maintainer drives
type PartitionStore interface {
	EnsureMonthlyPartition(ctx context.Context, t time.Time) (bool, error)
	ListMonthlyPartitions(ctx context.Context) ([]string, error)
	DropMonthlyPartition(ctx context.Context, name string) error
	PruneDefaultPartition(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report summarizes one reconcile pass
type Report struct {
	Created []string
	Dropped []string
	Pruned  int64
}

// Maintainer reconciles existing partitions against the desired window:
// the current and next month exist, months older than the retention window
// do not, and the default partition holds nothing older than the window.
type Maintainer struct {
	store           PartitionStore
	retentionMonths int
	logger          *slog.Logger
	now             func() time.Time
}

// NewMaintainer creates a maintainer keeping retentionMonths whole months
func NewMaintainer(store PartitionStore, retentionMonths int, logger *slog.Logger) *Maintainer {
	if retentionMonths < 1 {
		retentionMonths = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:           store,
		retentionMonths: retentionMonths,
		logger:          logger.With("component", "partitions"),
		now:             time.Now,
	}
}

// Reconcile runs every step even when an earlier one fails; the returned
// error joins all step failures.
func (m *Maintainer) Reconcile(ctx context.Context) (*Report, error) {
	now := m.now().UTC()
	current := db.MonthStart(now)
	cutoffMonth := current.AddDate(0, -m.retentionMonths, 0)
	report := &Report{}
	var errs []error

	for _, month := range []time.Time{current, current.AddDate(0, 1, 0)} {
		created, err := m.store.EnsureMonthlyPartition(ctx, month)
		if err != nil {
			m.logger.Warn("partition ensure failed", "partition", db.PartitionName(month), "error", err)
			errs = append(errs, err)
			continue
		}
		if created {
			report.Created = append(report.Created, db.PartitionName(month))
		}
	}

	names, err := m.store.ListMonthlyPartitions(ctx)
	if err != nil {
		m.logger.Warn("partition listing failed", "error", err)
		errs = append(errs, err)
	}
	for _, name := range names {
		month, ok := db.ParsePartitionMonth(name)
		if !ok || !month.Before(cutoffMonth) {
			continue
		}
		if err := m.store.DropMonthlyPartition(ctx, name); err != nil {
			m.logger.Warn("partition drop failed", "partition", name, "error", err)
			errs = append(errs, err)
			continue
		}
		report.Dropped = append(report.Dropped, name)
	}

	pruned, err := m.store.PruneDefaultPartition(ctx, now.AddDate(0, -m.retentionMonths, 0))
	if err != nil {
		m.logger.Warn("default partition prune failed", "error", err)
		errs = append(errs, err)
	}
	report.Pruned = pruned

	if len(errs) > 0 {
		return report, fmt.Errorf("partition maintenance: %w", errors.Join(errs...))
	}

	m.logger.Info("partition maintenance completed",
		"created", report.Created,
		"dropped", report.Dropped,
		"pruned_default_rows", report.Pruned,
	)
	return report, nil
}
