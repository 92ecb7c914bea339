package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/db"
	"edgeproxy/internal/events"
	"edgeproxy/internal/reputation"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Record(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func (s *recordingSink) only(t *testing.T) events.Event {
	t.Helper()
	evs := s.all()
	if len(evs) != 1 {
		t.Fatalf("expected exactly 1 recorded event, got %d: %+v", len(evs), evs)
	}
	return evs[0]
}

type strike struct {
	ip, reason, country string
}

type fakeReputation struct {
	mu          sync.Mutex
	blacklisted map[string]bool
	allowlisted map[string]bool
	strikes     []strike
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{blacklisted: map[string]bool{}, allowlisted: map[string]bool{}}
}

func (f *fakeReputation) IsBlacklisted(ctx context.Context, ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[ip]
}

func (f *fakeReputation) IsAllowlisted(ctx context.Context, ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowlisted[ip]
}

func (f *fakeReputation) Blacklist(ctx context.Context, ip, reason, country string, mode reputation.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes = append(f.strikes, strike{ip, reason, country})
	return nil
}

func (f *fakeReputation) allStrikes() []strike {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strike(nil), f.strikes...)
}

// memoryBackend keeps reputation rows in maps so a real reputation.Store
// can run without a database
type memoryBackend struct {
	mu        sync.Mutex
	blacklist map[string]*db.BlacklistEntry
	allowlist map[string]*db.AllowlistEntry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		blacklist: make(map[string]*db.BlacklistEntry),
		allowlist: make(map[string]*db.AllowlistEntry),
	}
}

func (m *memoryBackend) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[ip]
	return ok, nil
}

func (m *memoryBackend) IsAllowlisted(ctx context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.allowlist[ip]
	return ok, nil
}

func (m *memoryBackend) UpsertBlacklist(ctx context.Context, ip, reason, country string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blacklist[ip]
	if !ok {
		e = &db.BlacklistEntry{IP: ip}
		m.blacklist[ip] = e
	}
	e.Hits++
	if e.Reason == nil && reason != "" {
		e.Reason = &reason
	}
	if e.CountryCode == nil && country != "" {
		e.CountryCode = &country
	}
	return nil
}

func (m *memoryBackend) UpsertAllowlist(ctx context.Context, ip, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowlist[ip] = &db.AllowlistEntry{IP: ip, Note: &note}
	delete(m.blacklist, ip)
	return nil
}

func (m *memoryBackend) GetBlacklistEntry(ctx context.Context, ip string) (*db.BlacklistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.blacklist[ip]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, db.ErrNotFound
}

func (m *memoryBackend) RecentRequestEvents(ctx context.Context, ip string, limit int) ([]*db.RequestEvent, error) {
	return nil, nil
}

func (m *memoryBackend) GetAllowlistEntry(ctx context.Context, ip string) (*db.AllowlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.allowlist[ip]; ok {
		return e, nil
	}
	return nil, db.ErrNotFound
}

type staticTrust map[string]bool

func (s staticTrust) IsTrusted(ip string) bool { return s[ip] }

type testEnv struct {
	deps       *Deps
	sink       *recordingSink
	reputation *fakeReputation
	trust      staticTrust
}

func newTestEnv() *testEnv {
	env := &testEnv{
		sink:       &recordingSink{},
		reputation: newFakeReputation(),
		trust:      staticTrust{},
	}
	env.deps = &Deps{
		Client:     &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		Trust:      env.trust,
		Reputation: env.reputation,
		Recorder:   env.sink,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options: Options{
			PreserveHost:    true,
			CountryHeader:   "CF-IPCountry",
			DashboardRule:   "grafana",
			DashboardUser:   "x",
			AuthProxyHeader: "X-WEBAUTH-USER",
		},
	}
	return env
}

// asClient pins the resolved client identity of req
func asClient(req *http.Request, ip string) *http.Request {
	info := clientip.ClientInfo{
		ClientIP: ip,
		RemoteIP: "173.245.48.10",
		EdgeIP:   ip,
		Source:   clientip.SourceEdge,
		Allowed:  true,
	}
	return req.WithContext(clientip.NewContext(req.Context(), info))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
