package clientip

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"
)

// CIDR is a parsed network block. IPv4 and IPv6 blocks share the type;
// an address of the other family never matches.
type CIDR struct {
	network []byte
	bits    int
}

// ParseCIDR parses "addr/bits" notation
func ParseCIDR(s string) (CIDR, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return CIDR{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	prefix = prefix.Masked()
	return CIDR{network: prefix.Addr().AsSlice(), bits: prefix.Bits()}, nil
}

// MustParseCIDR is ParseCIDR for compile-time constants
func MustParseCIDR(s string) CIDR {
	c, err := ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Contains reports whether addr falls inside the block.
// IPv4-mapped IPv6 addresses are compared as IPv4.
func (c CIDR) Contains(addr netip.Addr) bool {
	if !addr.IsValid() || len(c.network) == 0 {
		return false
	}
	ip := addr.Unmap().AsSlice()
	if len(ip) != len(c.network) {
		return false
	}

	full := c.bits / 8
	if !bytes.Equal(ip[:full], c.network[:full]) {
		return false
	}
	rem := c.bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xFF << (8 - rem))
	return ip[full]&mask == c.network[full]&mask
}

// Bits returns the prefix length
func (c CIDR) Bits() int {
	return c.bits
}

func (c CIDR) String() string {
	addr, ok := netip.AddrFromSlice(c.network)
	if !ok {
		return "invalid"
	}
	return fmt.Sprintf("%s/%d", addr, c.bits)
}

// CIDRList is an immutable set of blocks checked by linear scan
type CIDRList []CIDR

// ParseCIDRList parses every entry, failing on the first bad one
func ParseCIDRList(entries []string) (CIDRList, error) {
	list := make(CIDRList, 0, len(entries))
	for _, e := range entries {
		c, err := ParseCIDR(e)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

// Contains reports whether any block contains addr
func (l CIDRList) Contains(addr netip.Addr) bool {
	for _, c := range l {
		if c.Contains(addr) {
			return true
		}
	}
	return false
}
