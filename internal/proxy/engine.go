package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/events"
	"edgeproxy/internal/geoip"
	"edgeproxy/internal/heuristics"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/reputation"
)

// StatusClientClosedRequest is recorded when the client leaves before the
// upstream answers
const StatusClientClosedRequest = 499

// Reputation is the part of the reputation store the engine uses
type Reputation interface {
	IsBlacklisted(ctx context.Context, ip string) bool
	IsAllowlisted(ctx context.Context, ip string) bool
	Blacklist(ctx context.Context, ip, reason, countryCode string, mode reputation.Mode) error
}

// TrustChecker decides whether an address belongs to the operator
type TrustChecker interface {
	IsTrusted(ip string) bool
}

// EventRecorder accepts request events without blocking
type EventRecorder interface {
	Record(ev events.Event)
}

// CountryResolver picks a country code from the edge header or the address
type CountryResolver interface {
	Resolve(edgeHeader, ip string) string
}

// Options tunes forwarding behavior
type Options struct {
	PreserveHost    bool
	CountryHeader   string
	DashboardRule   string
	DashboardUser   string
	AuthProxyHeader string
}

// Deps are the collaborators shared by the router, engines and gatekeeper
type Deps struct {
	Client     *http.Client
	Resolver   *clientip.Resolver
	Trust      TrustChecker
	Reputation Reputation
	Recorder   EventRecorder
	Countries  CountryResolver
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	Options    Options
}

type noTrust struct{}

func (noTrust) IsTrusted(string) bool { return false }

type noRecorder struct{}

func (noRecorder) Record(events.Event) {}

type edgeCountryOnly struct{}

func (edgeCountryOnly) Resolve(header, _ string) string { return geoip.EdgeCountry(header) }

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.Client == nil {
		out.Client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if out.Resolver == nil {
		out.Resolver = clientip.NewResolver(clientip.Options{})
	}
	if out.Trust == nil {
		out.Trust = noTrust{}
	}
	if out.Reputation == nil {
		out.Reputation = reputation.NewStore(nil, nil, 0, nil)
	}
	if out.Recorder == nil {
		out.Recorder = noRecorder{}
	}
	if out.Countries == nil {
		out.Countries = edgeCountryOnly{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Options.CountryHeader == "" {
		out.Options.CountryHeader = "CF-IPCountry"
	}
	if out.Options.AuthProxyHeader == "" {
		out.Options.AuthProxyHeader = "X-WEBAUTH-USER"
	}
	return &out
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Engine forwards requests to one upstream base URL
type Engine struct {
	target *url.URL
	deps   *Deps
	logger *slog.Logger
}

// NewEngine creates an engine for target
func NewEngine(target *url.URL, deps *Deps) *Engine {
	deps = deps.withDefaults()
	return &Engine{
		target: target,
		deps:   deps,
		logger: deps.Logger.With("component", "proxy", "target", target.Host),
	}
}

// Target returns the upstream base URL
func (e *Engine) Target() *url.URL {
	return e.target
}

// Proxy screens the request, forwards it to the upstream and streams the
// response back. matchedRule is "" for the default target, which is
// recorded as "default".
func (e *Engine) Proxy(w http.ResponseWriter, r *http.Request, host, matchedRule string) {
	r, info := e.deps.Resolver.ResolveRequest(r)
	ctx := r.Context()
	state := stateFrom(ctx)
	state.recorded.Store(true)

	ip := info.ClientIP
	ua := r.Header.Get("User-Agent")
	countryHeader := r.Header.Get(e.deps.Options.CountryHeader)

	ev := events.Event{
		IP:          ip,
		Host:        host,
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		UserAgent:   ua,
		MatchedRule: ruleLabel(matchedRule),
		RequestID:   state.id,
	}
	suspicion := heuristics.DetectSuspicious(r.URL.RawQuery, ua)

	trusted := e.deps.Trust.IsTrusted(ip)
	exempt := trusted || e.deps.Reputation.IsAllowlisted(ctx, ip)

	if !exempt && e.deps.Reputation.IsBlacklisted(ctx, ip) {
		_ = e.deps.Reputation.Blacklist(ctx, ip, "", "", reputation.Async)
		e.reject(w, r, state, ev, info, http.StatusForbidden, heuristics.ReasonBlacklisted)
		return
	}

	if !exempt {
		reason := heuristics.DetectExploitPath(r.URL.Path)
		if reason == "" && suspicion.IsBot() {
			reason = heuristics.ReasonBotUA
		}
		if reason != "" {
			country := e.deps.Countries.Resolve(countryHeader, ip)
			_ = e.deps.Reputation.Blacklist(ctx, ip, reason, country, reputation.Async)
			e.reject(w, r, state, ev, info, http.StatusForbidden, reason)
			return
		}
	}

	target, err := e.targetURL(r)
	if err != nil {
		if !exempt {
			country := e.deps.Countries.Resolve(countryHeader, ip)
			_ = e.deps.Reputation.Blacklist(ctx, ip, heuristics.ReasonIllegalQueryChar, country, reputation.Async)
		}
		e.reject(w, r, state, ev, info, http.StatusBadRequest, heuristics.ReasonIllegalQueryChar)
		return
	}

	if suspicion != nil {
		ev.Reason = suspicion.Reason
		ev.Severity = suspicion.Severity
	}

	e.logger.Info("-->",
		"id", state.id,
		"host", host,
		"matched", ruleLabel(matchedRule),
		"method", r.Method,
		"uri", r.RequestURI,
		"upstream", target.String(),
	)

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		e.logger.Error("failed to build upstream request", "id", state.id, "error", err)
		ev.Status = http.StatusBadGateway
		ev.Latency = time.Since(state.start)
		e.deps.Recorder.Record(ev)
		respondText(w, http.StatusBadGateway)
		return
	}
	outReq.URL = target
	e.prepareRequest(outReq, r, info, matchedRule, trusted)

	resp, err := e.deps.Client.Do(outReq)
	ev.Latency = time.Since(state.start)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			ev.Status = StatusClientClosedRequest
			e.deps.Recorder.Record(ev)
			e.deps.Metrics.ObserveClientCancel()
			e.logger.Info("client closed request", append(info.LogAttrs(), "id", state.id, "uri", r.RequestURI)...)
			return
		}
		ev.Status = http.StatusBadGateway
		e.deps.Recorder.Record(ev)
		e.deps.Metrics.ObserveUpstreamError(ruleLabel(matchedRule))
		e.logger.Error("upstream request failed", "id", state.id, "uri", r.RequestURI, "error", err)
		respondText(w, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	ev.Status = resp.StatusCode
	e.deps.Metrics.ObserveRequest(ruleLabel(matchedRule), resp.StatusCode, ev.Latency)

	dst := w.Header()
	copyHeaders(dst, resp.Header, "Content-Length")
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "application/octet-stream")
	}

	length := "chunked"
	if resp.ContentLength >= 0 {
		length = strconv.FormatInt(resp.ContentLength, 10)
	}
	level := slog.LevelInfo
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "<--",
		"id", state.id,
		"host", host,
		"matched", ruleLabel(matchedRule),
		"method", r.Method,
		"uri", r.RequestURI,
		"status", resp.StatusCode,
		"len", length,
		"elapsed", ev.Latency,
		"remote", ip,
		"ua", uaLabel(ua),
	)
	e.deps.Recorder.Record(ev)

	w.WriteHeader(resp.StatusCode)
	if _, err := stream(w, resp.Body, resp.ContentLength < 0); err != nil {
		e.logger.Debug("response stream ended early", "id", state.id, "error", err)
	}
}

// prepareRequest copies forwardable headers onto out and sets framing,
// forwarding headers and the dashboard identity
func (e *Engine) prepareRequest(out, in *http.Request, info clientip.ClientInfo, matchedRule string, trusted bool) {
	authHeader := e.deps.Options.AuthProxyHeader
	copyHeaders(out.Header, in.Header, "Content-Length", authHeader)

	if _, ok := in.Header["User-Agent"]; !ok {
		// keep the transport from adding its own
		out.Header["User-Agent"] = nil
	}

	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)

	chain := info.RemoteIP
	if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		chain = strings.Join(prior, ", ") + ", " + chain
	}
	out.Header.Set("X-Forwarded-For", chain)

	if matchedRule != "" && matchedRule == e.deps.Options.DashboardRule && trusted {
		out.Header.Set(authHeader, e.deps.Options.DashboardUser)
	}

	if e.deps.Options.PreserveHost {
		out.Host = in.Host
	}

	if in.ContentLength > 0 || len(in.TransferEncoding) > 0 {
		out.Body = in.Body
		out.ContentLength = in.ContentLength
	}
}

// targetURL joins the upstream base path with the inbound escaped path and
// carries the raw query over byte for byte
func (e *Engine) targetURL(r *http.Request) (*url.URL, error) {
	if err := validateQuery(r.URL.RawQuery); err != nil {
		return nil, err
	}
	u := *e.target
	u.Path = strings.TrimRight(e.target.Path, "/") + r.URL.Path
	u.RawPath = strings.TrimRight(e.target.EscapedPath(), "/") + r.URL.EscapedPath()
	u.RawQuery = r.URL.RawQuery
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}

func (e *Engine) reject(w http.ResponseWriter, r *http.Request, state *requestState, ev events.Event, info clientip.ClientInfo, status int, reason string) {
	ev.Status = status
	ev.Latency = time.Since(state.start)
	ev.Reason = reason
	ev.Severity = heuristics.SeverityBlock
	e.deps.Recorder.Record(ev)
	e.deps.Metrics.ObserveBlock(reason)

	attrs := append(info.LogAttrs(),
		"id", state.id,
		"host", ev.Host,
		"method", r.Method,
		"uri", r.RequestURI,
		"status", status,
		"ua", uaLabel(ev.UserAgent),
	)
	e.logger.Warn("[BLOCK]["+reason+"]", attrs...)
	respondText(w, status)
}

var errIllegalQuery = errors.New("illegal character in query")

// validateQuery rejects characters that may not appear in a URI query and
// malformed percent escapes
func validateQuery(q string) error {
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c <= ' ' || c == 0x7f:
			return errIllegalQuery
		case strings.IndexByte("\"<>\\^`{|}", c) >= 0:
			return errIllegalQuery
		case c == '%':
			if i+2 >= len(q) || !isHex(q[i+1]) || !isHex(q[i+2]) {
				return errIllegalQuery
			}
			i += 2
		}
	}
	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// stream copies body to w through a pooled buffer, flushing each chunk when
// flush is set
func stream(w http.ResponseWriter, body io.Reader, flush bool) (int64, error) {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)
	buf := *bp

	rc := http.NewResponseController(w)
	if flush {
		_ = rc.Flush()
	}

	var written int64
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flush {
				_ = rc.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func respondText(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, http.StatusText(status))
}

func ruleLabel(rule string) string {
	if rule == "" {
		return "default"
	}
	return rule
}

func uaLabel(ua string) string {
	if ua == "" {
		return "-"
	}
	return ua
}
