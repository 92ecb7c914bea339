package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"edgeproxy/internal/db"
	"edgeproxy/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blacklistCall struct {
	ip, reason, country string
}

type fakeBackend struct {
	mu         sync.Mutex
	blacklist  map[string]*db.BlacklistEntry
	allowlist  map[string]*db.AllowlistEntry
	strikes    []blacklistCall
	events     []*db.RequestEvent
	err        error
	lookupWait time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blacklist: make(map[string]*db.BlacklistEntry),
		allowlist: make(map[string]*db.AllowlistEntry),
	}
}

func (f *fakeBackend) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	if f.lookupWait > 0 {
		select {
		case <-time.After(f.lookupWait):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.blacklist[ip]
	return ok, nil
}

func (f *fakeBackend) IsAllowlisted(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.allowlist[ip]
	return ok, nil
}

func (f *fakeBackend) UpsertBlacklist(ctx context.Context, ip, reason, country string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.strikes = append(f.strikes, blacklistCall{ip, reason, country})
	if e, ok := f.blacklist[ip]; ok {
		e.Hits++
		return nil
	}
	entry := &db.BlacklistEntry{IP: ip, Hits: 1}
	if reason != "" {
		entry.Reason = &reason
	}
	f.blacklist[ip] = entry
	return nil
}

func (f *fakeBackend) UpsertAllowlist(ctx context.Context, ip, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.allowlist[ip] = &db.AllowlistEntry{IP: ip, Note: &note}
	delete(f.blacklist, ip)
	return nil
}

func (f *fakeBackend) GetBlacklistEntry(ctx context.Context, ip string) (*db.BlacklistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.blacklist[ip]; ok {
		return e, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeBackend) RecentRequestEvents(ctx context.Context, ip string, limit int) ([]*db.RequestEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.RequestEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].IP == ip {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeBackend) GetAllowlistEntry(ctx context.Context, ip string) (*db.AllowlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.allowlist[ip]; ok {
		return e, nil
	}
	return nil, db.ErrNotFound
}

func TestStore_DisabledIsPassThrough(t *testing.T) {
	s := NewStore(nil, nil, 0, nil)
	ctx := context.Background()

	assert.False(t, s.Enabled())
	assert.False(t, s.IsBlacklisted(ctx, "1.2.3.4"))
	assert.False(t, s.IsAllowlisted(ctx, "1.2.3.4"))
	assert.NoError(t, s.Blacklist(ctx, "1.2.3.4", "BOT_UA", "", Async))
	assert.ErrorIs(t, s.Blacklist(ctx, "1.2.3.4", "BOT_UA", "", Sync), ErrDisabled)
	assert.ErrorIs(t, s.Allowlist(ctx, "1.2.3.4", "", Sync), ErrDisabled)

	_, err := s.Lookup(ctx, "1.2.3.4")
	assert.ErrorIs(t, err, ErrDisabled)

	var nilStore *Store
	assert.False(t, nilStore.IsBlacklisted(ctx, "1.2.3.4"))
}

func TestStore_LookupErrorsReadAsFalse(t *testing.T) {
	backend := newFakeBackend()
	backend.blacklist["1.2.3.4"] = &db.BlacklistEntry{IP: "1.2.3.4"}
	backend.err = errors.New("connection refused")
	s := NewStore(backend, nil, 0, nil)

	assert.False(t, s.IsBlacklisted(context.Background(), "1.2.3.4"))
	assert.False(t, s.IsAllowlisted(context.Background(), "1.2.3.4"))
}

func TestStore_LookupTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.blacklist["1.2.3.4"] = &db.BlacklistEntry{IP: "1.2.3.4"}
	backend.lookupWait = time.Second
	s := NewStore(backend, nil, 20*time.Millisecond, nil)

	start := time.Now()
	assert.False(t, s.IsBlacklisted(context.Background(), "1.2.3.4"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStore_AsyncWritesGoThroughQueue(t *testing.T) {
	backend := newFakeBackend()
	pool := worker.NewPool(&worker.PoolConfig{Name: "reputation", QueueSize: 8, Workers: 1}, nil)
	pool.Start()
	s := NewStore(backend, pool, 0, nil)
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, "203.0.113.7", "BOT_UA", "DE", Async))
	require.NoError(t, s.Blacklist(ctx, "203.0.113.7", "", "", Async))
	require.NoError(t, pool.Stop(ctx))

	assert.True(t, s.IsBlacklisted(ctx, "203.0.113.7"))
	assert.Equal(t, []blacklistCall{
		{"203.0.113.7", "BOT_UA", "DE"},
		{"203.0.113.7", "", ""},
	}, backend.strikes)
	assert.Equal(t, int64(2), backend.blacklist["203.0.113.7"].Hits)
}

func TestStore_AsyncWriteAfterQueueStoppedIsNoop(t *testing.T) {
	backend := newFakeBackend()
	pool := worker.NewPool(worker.DefaultPoolConfig("reputation"), nil)
	pool.Start()
	require.NoError(t, pool.Stop(context.Background()))

	s := NewStore(backend, pool, 0, nil)
	assert.NoError(t, s.Blacklist(context.Background(), "203.0.113.7", "BOT_UA", "", Async))
	assert.Empty(t, backend.strikes)
}

func TestStore_SyncWriteReportsErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.New("disk full")
	s := NewStore(backend, nil, 0, nil)

	err := s.Blacklist(context.Background(), "203.0.113.7", "BOT_UA", "", Sync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// Async swallows the same failure
	assert.NoError(t, s.Blacklist(context.Background(), "203.0.113.7", "BOT_UA", "", Async))
}

func TestStore_AllowlistClearsBlacklist(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(backend, nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, "192.0.2.10", "BOT_UA", "", Sync))
	require.NoError(t, s.Allowlist(ctx, "192.0.2.10", "monitor", Sync))

	assert.False(t, s.IsBlacklisted(ctx, "192.0.2.10"))
	assert.True(t, s.IsAllowlisted(ctx, "192.0.2.10"))

	status, err := s.Lookup(ctx, "192.0.2.10")
	require.NoError(t, err)
	assert.Nil(t, status.Blacklist)
	require.NotNil(t, status.Allowlist)
	assert.Equal(t, "monitor", *status.Allowlist.Note)
}

func TestStore_LookupIncludesRecentEvents(t *testing.T) {
	backend := newFakeBackend()
	for i := 0; i < RecentEventLimit+3; i++ {
		backend.events = append(backend.events, &db.RequestEvent{ID: int64(i), IP: "192.0.2.20", Path: "/"})
	}
	backend.events = append(backend.events, &db.RequestEvent{ID: 99, IP: "192.0.2.21", Path: "/"})
	s := NewStore(backend, nil, 0, nil)

	status, err := s.Lookup(context.Background(), "192.0.2.20")
	require.NoError(t, err)
	require.Len(t, status.Recent, RecentEventLimit)
	assert.Equal(t, int64(RecentEventLimit+2), status.Recent[0].ID, "newest first")
}
