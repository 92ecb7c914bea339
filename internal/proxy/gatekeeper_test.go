package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/config"
	"edgeproxy/internal/heuristics"
)

func TestGatekeeper_Admit(t *testing.T) {
	g := NewGatekeeper(newTestEnv().deps, http.NotFoundHandler())

	if d := g.Admit(clientip.ClientInfo{Allowed: true}); d != Admit {
		t.Errorf("expected admit, got %s", d)
	}
	if d := g.Admit(clientip.ClientInfo{Allowed: false, TrustedProxy: true}); d != DropConnection {
		t.Errorf("expected drop, got %s", d)
	}
}

func TestGatekeeper_DropsWithoutResponse(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
	}))
	defer upstream.Close()

	env := newTestEnv()
	env.deps.Resolver = clientip.NewResolver(clientip.Options{})
	srv, err := NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, config.RoutingConfig{DefaultTarget: upstream.URL}, env.deps)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	front := httptest.NewServer(srv.Handler())
	defer front.Close()

	req, _ := http.NewRequest("GET", front.URL+"/?probe=1", nil)
	req.Header.Set("User-Agent", "zgrab/0.x")
	req.Header.Set("CF-Connecting-IP", "1.2.3.4")
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the connection to be dropped, got status %d", resp.StatusCode)
	}

	if atomic.LoadInt32(&upstreamHits) != 0 {
		t.Error("router must not run for dropped requests")
	}

	waitFor(t, func() bool { return len(env.sink.all()) == 1 })
	ev := env.sink.only(t)
	if ev.Reason != heuristics.ReasonBypassNoEdge || ev.Severity != heuristics.SeverityBlock {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Status != 0 || ev.Latency != 0 {
		t.Errorf("dropped requests carry no status or latency: %+v", ev)
	}
	if ev.IP != "127.0.0.1" || ev.RawQuery != "probe=1" {
		t.Errorf("event should describe the socket peer: %+v", ev)
	}
}

func TestGatekeeper_AbortsWhenHijackUnsupported(t *testing.T) {
	env := newTestEnv()
	env.deps.Resolver = clientip.NewResolver(clientip.Options{})
	g := NewGatekeeper(env.deps, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next must not run")
	}))

	req := httptest.NewRequest("GET", "http://origin.example.com/", nil)
	rec := httptest.NewRecorder()

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("expected http.ErrAbortHandler panic, got %v", r)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("no bytes may be written, got %q", rec.Body.String())
		}
		if len(env.sink.all()) != 1 {
			t.Errorf("drop should still be recorded")
		}
	}()
	g.ServeHTTP(rec, req)
}

func TestGatekeeper_AdmitsEdgeTrafficWithSecret(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	env := newTestEnv()
	env.deps.Resolver = clientip.NewResolver(clientip.Options{
		SecretHeader: "X-Origin-Verify",
		Secret:       "s3cret",
	})
	srv, err := NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, config.RoutingConfig{DefaultTarget: upstream.URL}, env.deps)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest("GET", "http://app.example.com/", nil)
	req.RemoteAddr = "198.51.100.200:41000"
	req.Header.Set("CF-Connecting-IP", "203.0.113.77")
	req.Header.Set("X-Origin-Verify", "s3cret")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	ev := env.sink.only(t)
	if ev.IP != "203.0.113.77" {
		t.Errorf("expected edge client IP on event, got %q", ev.IP)
	}
}
