package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/config"
)

type route struct {
	name   string
	hosts  map[string]bool
	engine *Engine
}

// Router picks an upstream by Host header. Rules are scanned in order and
// the first whose host set contains the request host wins.
type Router struct {
	routes   []route
	fallback *Engine
	resolver *clientip.Resolver
	logger   *slog.Logger
}

// NewRouter builds one engine per distinct target and freezes the table
func NewRouter(cfg config.RoutingConfig, deps *Deps) (*Router, error) {
	deps = deps.withDefaults()
	engines := make(map[string]*Engine)

	engineFor := func(raw string) (*Engine, error) {
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse target %q: %w", raw, err)
		}
		if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, fmt.Errorf("target %q must be an absolute http(s) URL", raw)
		}
		key := target.String()
		if e, ok := engines[key]; ok {
			return e, nil
		}
		e := NewEngine(target, deps)
		engines[key] = e
		return e, nil
	}

	fallback, err := engineFor(cfg.DefaultTarget)
	if err != nil {
		return nil, fmt.Errorf("default target: %w", err)
	}

	rt := &Router{
		fallback: fallback,
		resolver: deps.Resolver,
		logger:   deps.Logger.With("component", "router"),
	}

	for i, rule := range cfg.Rules {
		e, err := engineFor(rule.Target)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		name := rule.Name
		if name == "" {
			name = e.Target().Hostname()
		}
		hosts := make(map[string]bool, len(rule.Hosts))
		for _, h := range rule.Hosts {
			hosts[strings.ToLower(clientip.StripPort(strings.TrimSpace(h)))] = true
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no hosts", i, name)
		}
		rt.routes = append(rt.routes, route{name: name, hosts: hosts, engine: e})
	}

	return rt, nil
}

// Match returns the rule name and engine for host. The default target
// reports an empty name.
func (rt *Router) Match(host string) (string, *Engine) {
	key := strings.ToLower(clientip.StripPort(host))
	for _, r := range rt.routes {
		if r.hosts[key] {
			return r.name, r.engine
		}
	}
	return "", rt.fallback
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, info := rt.resolver.ResolveRequest(r)
	host := strings.ToLower(clientip.StripPort(r.Host))
	name, engine := rt.Match(host)

	attrs := append([]any{
		"host", host,
		"path", r.URL.Path,
		"matched", ruleLabel(name),
		"target", engine.Target().String(),
	}, info.LogAttrs()...)
	rt.logger.Info("route", attrs...)

	engine.Proxy(w, r, host, name)
}
