// Package events records request telemetry and keeps the monthly
// request_event partitions within the retention window.
package events

import (
	"context"
	"log/slog"
	"time"

	"edgeproxy/internal/db"
	"edgeproxy/internal/worker"
)

// Event describes one request outcome. A zero Status means the connection was
// dropped before any response; status and latency are then stored as NULL.
type Event struct {
	IP          string
	Host        string
	Method      string
	Path        string
	RawQuery    string
	Status      int
	Latency     time.Duration
	UserAgent   string
	MatchedRule string
	RequestID   string
	Reason      string
	Severity    int
}

// Sink persists request events
type Sink interface {
	InsertRequestEvent(ctx context.Context, ev *db.RequestEvent) error
}

// Submitter accepts background jobs
type Submitter interface {
	Submit(ctx context.Context, job worker.Job) error
}

// Recorder hands events to a background queue. Record never waits on the database.
type Recorder struct {
	sink          Sink
	queue         Submitter
	submitTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewRecorder creates a recorder. A nil sink yields a recorder that discards events.
func NewRecorder(sink Sink, queue Submitter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:          sink,
		queue:         queue,
		submitTimeout: time.Second,
		logger:        logger.With("component", "events"),
		now:           time.Now,
	}
}

// Enabled reports whether events are persisted
func (r *Recorder) Enabled() bool {
	return r != nil && r.sink != nil && r.queue != nil
}

// Record stamps ev with the current UTC time and enqueues its insert
func (r *Recorder) Record(ev Event) {
	if !r.Enabled() {
		return
	}
	row := toRow(ev, r.now().UTC())

	ctx, cancel := context.WithTimeout(context.Background(), r.submitTimeout)
	defer cancel()

	err := r.queue.Submit(ctx, func(ctx context.Context) error {
		return r.sink.InsertRequestEvent(ctx, row)
	})
	if err != nil {
		r.logger.Debug("request event not queued", "ip", ev.IP, "error", err)
	}
}

func toRow(ev Event, ts time.Time) *db.RequestEvent {
	row := &db.RequestEvent{
		TS:               ts,
		IP:               ev.IP,
		Host:             ev.Host,
		Method:           ev.Method,
		Path:             ev.Path,
		RawQuery:         optString(ev.RawQuery),
		UA:               optString(ev.UserAgent),
		MatchedRule:      optString(ev.MatchedRule),
		RequestID:        optString(ev.RequestID),
		SuspiciousReason: optString(ev.Reason),
	}
	if ev.Status != 0 {
		status := ev.Status
		latency := int(ev.Latency.Milliseconds())
		row.Status = &status
		row.LatencyMs = &latency
	}
	if ev.Severity > 0 {
		severity := ev.Severity
		row.Severity = &severity
	}
	return row
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
