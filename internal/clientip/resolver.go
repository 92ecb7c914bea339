// Package clientip derives the real client address of a request arriving
// through the CDN edge, and decides whether the edge was actually traversed.
package clientip

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Source records how ClientIP was derived
type Source string

const (
	SourceLocal      Source = "local"
	SourceEdge       Source = "cf"
	SourceEdgeSecret Source = "cf-secret"
	SourceRemote     Source = "remote"
)

// Unknown is reported when the socket peer address is unavailable
const Unknown = "unknown"

// ClientInfo is the per-request identity verdict.
// ClientIP equals EdgeIP whenever Allowed and EdgeIP is set, otherwise RemoteIP.
type ClientInfo struct {
	ClientIP     string
	RemoteIP     string
	EdgeIP       string
	Source       Source
	TrustedProxy bool
	IsLocal      bool
	Allowed      bool
}

// LogAttrs returns the client tag as slog key/value pairs
func (c ClientInfo) LogAttrs() []any {
	attrs := []any{"ip", c.ClientIP, "remote", c.RemoteIP}
	if c.EdgeIP != "" {
		attrs = append(attrs, "edge", c.EdgeIP)
	}
	return append(attrs, "src", string(c.Source))
}

// Options configures a Resolver
type Options struct {
	ClientIPHeader   string
	SecretHeader     string
	Secret           string
	EdgeCIDRs        CIDRList
	AllowLocalBypass bool
}

// Resolver computes ClientInfo. It holds only immutable state.
type Resolver struct {
	clientIPHeader   string
	secretHeader     string
	secret           []byte
	edge             CIDRList
	allowLocalBypass bool
}

// NewResolver creates a resolver; an empty CIDR list falls back to DefaultEdgeCIDRs
func NewResolver(opts Options) *Resolver {
	edge := opts.EdgeCIDRs
	if len(edge) == 0 {
		edge, _ = ParseCIDRList(DefaultEdgeCIDRs)
	}
	header := opts.ClientIPHeader
	if header == "" {
		header = "CF-Connecting-IP"
	}
	r := &Resolver{
		clientIPHeader:   header,
		secretHeader:     opts.SecretHeader,
		edge:             edge,
		allowLocalBypass: opts.AllowLocalBypass,
	}
	if s := strings.TrimSpace(opts.Secret); s != "" {
		r.secret = []byte(s)
	}
	return r
}

// Resolve computes the client identity of req without consulting the cache
func (r *Resolver) Resolve(req *http.Request) ClientInfo {
	remoteIP := peerHost(req.RemoteAddr)
	remoteAddr, remoteErr := netip.ParseAddr(remoteIP)
	if remoteErr == nil {
		remoteAddr = remoteAddr.Unmap()
		remoteIP = remoteAddr.String()
	}
	isLocal := remoteErr == nil && isLocalAddr(remoteAddr)

	if r.allowLocalBypass && isLocal && !requiresEdge(req.Host) {
		return ClientInfo{
			ClientIP: remoteIP,
			RemoteIP: remoteIP,
			Source:   SourceLocal,
			IsLocal:  true,
			Allowed:  true,
		}
	}

	var edgeIP string
	if h := strings.TrimSpace(req.Header.Get(r.clientIPHeader)); h != "" {
		if addr, err := netip.ParseAddr(h); err == nil {
			edgeIP = addr.Unmap().WithZone("").String()
		}
	}

	secretConfigured := len(r.secret) > 0
	secretOK := false
	if secretConfigured {
		got := strings.TrimSpace(req.Header.Get(r.secretHeader))
		secretOK = subtle.ConstantTimeCompare([]byte(got), r.secret) == 1
	}

	trustedProxy := secretOK || (remoteErr == nil && r.edge.Contains(remoteAddr))

	var allowed bool
	if secretConfigured {
		allowed = secretOK && edgeIP != ""
	} else {
		allowed = trustedProxy && edgeIP != ""
	}

	clientIP := remoteIP
	if allowed {
		clientIP = edgeIP
	}

	source := SourceRemote
	switch {
	case allowed && secretOK:
		source = SourceEdgeSecret
	case allowed:
		source = SourceEdge
	case isLocal:
		source = SourceLocal
	}

	return ClientInfo{
		ClientIP:     clientIP,
		RemoteIP:     remoteIP,
		EdgeIP:       edgeIP,
		Source:       source,
		TrustedProxy: trustedProxy,
		Allowed:      allowed,
	}
}

// ResolveRequest returns the cached ClientInfo for req, computing and
// attaching it on first use. The returned request carries the cache.
func (r *Resolver) ResolveRequest(req *http.Request) (*http.Request, ClientInfo) {
	if info, ok := FromContext(req.Context()); ok {
		return req, info
	}
	info := r.Resolve(req)
	return req.WithContext(NewContext(req.Context(), info)), info
}

type contextKey struct{}

// NewContext returns ctx carrying info
func NewContext(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the ClientInfo cached on ctx, if any
func FromContext(ctx context.Context) (ClientInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(ClientInfo)
	return info, ok
}

func peerHost(remoteAddr string) string {
	if remoteAddr == "" {
		return Unknown
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return Unknown
	}
	return host
}

func isLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// requiresEdge reports whether a request for host must come through the edge.
// Only loopback names and local address literals are exempt.
func requiresEdge(host string) bool {
	h := strings.ToLower(StripPort(host))
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return true
	}
	return !isLocalAddr(addr)
}

// StripPort removes an optional :port suffix and IPv6 brackets from a Host value
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
