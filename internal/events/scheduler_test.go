package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	runs atomic.Int32
	err  error
}

func (c *countingReconciler) Reconcile(ctx context.Context) (*Report, error) {
	c.runs.Add(1)
	return &Report{}, c.err
}

func TestScheduler_RunsImmediately(t *testing.T) {
	rec := &countingReconciler{}
	s := NewScheduler(rec, "@every 1h", nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return rec.runs.Load() == 1 }, time.Second, 10*time.Millisecond)
	next := s.NextRun()
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	rec := &countingReconciler{err: errors.New("transient")}
	s := NewScheduler(rec, "@every 1s", nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return rec.runs.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingReconciler{}, "not a schedule", nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron schedule")
	assert.Nil(t, s.NextRun())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(&countingReconciler{}, "@every 1h", nil)
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	assert.Nil(t, s.NextRun())
}
