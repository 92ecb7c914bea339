package clientip

import (
	"net/netip"
)

// TrustChecker decides whether a client address belongs to the operator.
// Trusted clients skip reputation and heuristics and may receive the
// dashboard single-sign-on header.
type TrustChecker struct {
	networks CIDRList
	public   *PublicIPSource
}

// NewTrustChecker creates a checker. public may be nil.
func NewTrustChecker(networks CIDRList, public *PublicIPSource) *TrustChecker {
	return &TrustChecker{networks: networks, public: public}
}

// IsTrusted reports whether ip is loopback, inside a trusted network, equal to
// the gateway's public IPv4, or within the /64 of its public IPv6.
func (t *TrustChecker) IsTrusted(ip string) bool {
	if t == nil {
		return false
	}
	if ip == "127.0.0.1" || ip == "::1" {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if t.networks.Contains(addr) {
		return true
	}
	if t.public == nil {
		return false
	}

	own := t.public.Current()
	if addr.Is4() {
		return own.V4.IsValid() && addr == own.V4
	}
	return own.V6.IsValid() && samePrefix64(addr, own.V6)
}

func samePrefix64(a, b netip.Addr) bool {
	if !a.Is6() || !b.Is6() {
		return false
	}
	pa, err := a.Prefix(64)
	if err != nil {
		return false
	}
	return pa.Contains(b)
}
