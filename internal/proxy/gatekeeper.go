package proxy

import (
	"log/slog"
	"net"
	"net/http"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/events"
	"edgeproxy/internal/heuristics"
	"edgeproxy/internal/metrics"
)

// Decision is the gatekeeper verdict for one request
type Decision int

const (
	// Admit lets the request continue to the router
	Admit Decision = iota
	// DropConnection closes the connection without any response
	DropConnection
)

func (d Decision) String() string {
	if d == DropConnection {
		return "drop"
	}
	return "admit"
}

// Gatekeeper is the outermost handler. Requests that did not come through
// the edge are dropped without a response.
type Gatekeeper struct {
	resolver *clientip.Resolver
	recorder EventRecorder
	metrics  *metrics.Collector
	logger   *slog.Logger
	next     http.Handler
}

// NewGatekeeper wraps next
func NewGatekeeper(deps *Deps, next http.Handler) *Gatekeeper {
	deps = deps.withDefaults()
	return &Gatekeeper{
		resolver: deps.Resolver,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "gatekeeper"),
		next:     next,
	}
}

// Admit decides from the resolved client identity
func (g *Gatekeeper) Admit(info clientip.ClientInfo) Decision {
	if info.Allowed {
		return Admit
	}
	return DropConnection
}

func (g *Gatekeeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, info := g.resolver.ResolveRequest(r)
	if g.Admit(info) == Admit {
		g.next.ServeHTTP(w, r)
		return
	}
	g.drop(w, r, info)
}

func (g *Gatekeeper) drop(w http.ResponseWriter, r *http.Request, info clientip.ClientInfo) {
	state := stateFrom(r.Context())
	ua := r.Header.Get("User-Agent")

	attrs := append(info.LogAttrs(),
		"host", r.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"ua", uaLabel(ua),
	)
	g.logger.Warn("[BLOCK]["+heuristics.ReasonBypassNoEdge+"]", attrs...)

	g.recorder.Record(events.Event{
		IP:        info.ClientIP,
		Host:      clientip.StripPort(r.Host),
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		UserAgent: ua,
		RequestID: state.id,
		Reason:    heuristics.ReasonBypassNoEdge,
		Severity:  heuristics.SeverityBlock,
	})
	state.recorded.Store(true)
	g.metrics.ObserveBlock(heuristics.ReasonBypassNoEdge)

	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		// HTTP/2 and wrapped writers: reset the stream without a response
		panic(http.ErrAbortHandler)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}
