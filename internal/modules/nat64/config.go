// Package nat64 implements stateless IPv4<->IPv6 header translation per
// RFC 7915, augmented with an explicit mapping table (spec section 4.7).
package nat64

import (
	"fmt"
	"net"
)

// Prefix is one NAT64 translation prefix (spec section 4.7 "Prefix array
// (up to K entries of 12-byte prefixes)"); only the first 96 bits (12
// bytes) of an IPv6 address are used as the translation prefix, with the
// low 32 bits holding the embedded IPv4 address.
type Prefix [12]byte

// Mapping binds one IPv4 address to one IPv6 address under a specific
// prefix (spec section 4.7 "Mappings array of {ipv4, ipv6, prefix_index}
// with paired LPMs over 4-byte and 16-byte keys").
type Mapping struct {
	IPv4        [4]byte
	IPv6        [16]byte
	PrefixIndex int
}

// Config is one nat64 module instance's configuration.
type Config struct {
	Prefixes []Prefix
	Mappings []Mapping

	MTUv4 int
	MTUv6 int

	DropUnknownPrefix  bool
	DropUnknownMapping bool

	v4ToV6 map[[4]byte]Mapping
	v6ToV4 map[[16]byte]Mapping
}

const (
	defaultMTUv6 = 1280
	defaultMTUv4 = 1450
)

// Build indexes Mappings for O(1) lookup and fills in the RFC 7915
// default MTUs (spec section 4.7 "Scalar MTU for each family (defaults:
// IPv6 1280, IPv4 1450)") if unset.
func (c *Config) Build() error {
	if c.MTUv6 == 0 {
		c.MTUv6 = defaultMTUv6
	}
	if c.MTUv4 == 0 {
		c.MTUv4 = defaultMTUv4
	}
	if len(c.Prefixes) == 0 {
		return fmt.Errorf("nat64: at least one prefix is required")
	}

	c.v4ToV6 = make(map[[4]byte]Mapping, len(c.Mappings))
	c.v6ToV4 = make(map[[16]byte]Mapping, len(c.Mappings))
	for _, m := range c.Mappings {
		if m.PrefixIndex < 0 || m.PrefixIndex >= len(c.Prefixes) {
			return fmt.Errorf("nat64: mapping references out-of-range prefix %d", m.PrefixIndex)
		}
		c.v4ToV6[m.IPv4] = m
		c.v6ToV4[m.IPv6] = m
	}
	return nil
}

// lookupV4 resolves a destination IPv4 address to its IPv6 mapping.
func (c *Config) lookupV4(addr net.IP) (Mapping, bool) {
	var key [4]byte
	copy(key[:], addr.To4())
	m, ok := c.v4ToV6[key]
	return m, ok
}

// lookupV6 resolves a destination IPv6 address to its IPv4 mapping.
func (c *Config) lookupV6(addr net.IP) (Mapping, bool) {
	var key [16]byte
	copy(key[:], addr.To16())
	m, ok := c.v6ToV4[key]
	return m, ok
}

// longestPrefixV6 finds the prefix whose first 96 bits match src's
// longest, per spec section 4.7's "6 -> 4 ... determine the prefix by
// longest match on the IPv6 source". With distinct 96-bit prefixes this
// degrades to at most one match; K is expected to stay small (tens of
// entries), so a linear scan is simplest in the absence of a 96-bit LPM
// structure anywhere in the corpus (see DESIGN.md).
func (c *Config) longestPrefixV6(src net.IP) (int, bool) {
	addr := src.To16()
	best := -1
	for i, p := range c.Prefixes {
		if bytesEqual(p[:], addr[:12]) {
			if best < 0 {
				best = i
			}
		}
	}
	return best, best >= 0
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// embedV4 builds an IPv6 address as prefix || ipv4 (spec section 4.7
// step 2: "Source IPv6 is prefix || ipv4_src").
func embedV4(prefix Prefix, v4 net.IP) net.IP {
	out := make(net.IP, 16)
	copy(out, prefix[:])
	copy(out[12:], v4.To4())
	return out
}

// stripPrefix reconstructs the embedded IPv4 address from an IPv6
// address under a known prefix.
func stripPrefix(addr net.IP) net.IP {
	a := addr.To16()
	return net.IPv4(a[12], a[13], a[14], a[15])
}
