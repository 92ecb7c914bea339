package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/config"
	"edgeproxy/internal/events"
)

// Server is the edge HTTP server: request tracking, then the gatekeeper,
// then the host router
type Server struct {
	config     *config.ServerConfig
	httpServer *http.Server
	handler    http.Handler
	router     *Router
	deps       *Deps
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewUpstreamClient builds the shared client used for every upstream.
// Redirects are returned to the caller, never followed.
func NewUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// OptionsFrom maps configuration onto engine options
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		PreserveHost:    cfg.Upstream.PreserveHost,
		CountryHeader:   cfg.Edge.CountryHeader,
		DashboardRule:   cfg.Upstream.DashboardRule,
		DashboardUser:   cfg.Upstream.DashboardUser,
		AuthProxyHeader: cfg.Upstream.AuthProxyHeader,
	}
}

// NewServer creates the edge server
func NewServer(serverCfg config.ServerConfig, routing config.RoutingConfig, deps *Deps) (*Server, error) {
	deps = deps.withDefaults()

	router, err := NewRouter(routing, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	s := &Server{
		config: &serverCfg,
		router: router,
		deps:   deps,
		logger: deps.Logger.With("component", "edge"),
	}
	s.handler = s.track(NewGatekeeper(deps, router))

	s.httpServer = &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout,
		IdleTimeout:       serverCfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(deps.Logger.Handler(), slog.LevelDebug),
	}

	return s, nil
}

// Handler returns the full handler chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router returns the host router
func (s *Server) Router() *Router {
	return s.router
}

// Addr returns the bound address once listening, else the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start listens and serves until ctx is cancelled or serving fails
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("edge proxy listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("edge server failed: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// track attaches request state and records a fallback event for any request
// that finished without one
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := newRequestState()
		r = r.WithContext(withState(r.Context(), state))
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			if state.recorded.Load() {
				return
			}
			_, info := s.deps.Resolver.ResolveRequest(r)
			ev := events.Event{
				IP:        info.ClientIP,
				Host:      clientip.StripPort(r.Host),
				Method:    r.Method,
				Path:      r.URL.Path,
				RawQuery:  r.URL.RawQuery,
				Status:    sw.status,
				UserAgent: r.Header.Get("User-Agent"),
				RequestID: state.id,
			}
			if sw.status != 0 {
				ev.Latency = time.Since(state.start)
			}
			s.deps.Recorder.Record(ev)
		}()

		next.ServeHTTP(sw, r)
	})
}
