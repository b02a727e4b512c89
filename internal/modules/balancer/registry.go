// Package balancer implements the consistent-hashing L3/L4 load balancer
// described in spec section 4.6: a virtual-service registry, a weighted
// real-server ring, a resizable session table, and IP-in-IP/GRE
// encapsulation on the forwarding path.
package balancer

import (
	"fmt"
	"net/netip"
)

// Proto is the transport protocol a virtual service load-balances.
type Proto uint8

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// Real is one backend server a virtual service can forward to (spec
// section 4.6 "real_registry": per-real address, weight, source-masquerade
// address/mask, present-in-config flag).
type Real struct {
	ID          int
	Addr        netip.Addr
	Weight      int
	SrcMasqAddr netip.Addr
	SrcMasqMask netip.Addr
	Enabled     bool
}

// VS is one virtual service: a public endpoint, its scheduling flags, the
// reals it may forward to, and the source ranges allowed to reach it
// (spec section 4.6 "vs_registry").
type VS struct {
	ID         int
	Addr       netip.Addr
	Port       uint16
	Proto      Proto
	OPS        bool // one-packet scheduling: skip the session table entirely
	PRR        bool // pure round-robin: ignore the hash ring
	GRE        bool // GRE encapsulation instead of IP-in-IP
	RealIDs    []int
	AllowedSrc []netip.Prefix

	ring      *Ring
	rrCounter uint64
}

// Config is one balancer module instance's configuration: the resolved
// VS and real registries plus the session table they share.
type Config struct {
	VSs   []*VS
	Reals map[int]*Real

	Timeouts Timeouts

	Sessions *Table
}

// Build resolves each VS's consistent-hash ring from its reals and
// validates that every RealIDs reference exists.
func (c *Config) Build() error {
	if c.Reals == nil {
		c.Reals = map[int]*Real{}
	}
	for _, vs := range c.VSs {
		reals := make([]Real, 0, len(vs.RealIDs))
		for _, id := range vs.RealIDs {
			r, ok := c.Reals[id]
			if !ok {
				return fmt.Errorf("balancer: vs %d references unknown real %d", vs.ID, id)
			}
			if r.Enabled && r.Weight > 0 {
				reals = append(reals, *r)
			}
		}
		vs.ring = BuildRing(reals)
	}
	if c.Timeouts == (Timeouts{}) {
		c.Timeouts = DefaultTimeouts()
	}
	if c.Sessions == nil {
		c.Sessions = NewTable(DefaultDensityThreshold)
	}
	return nil
}

// lookupVS implements spec section 4.6 steps 1-2: a destination-address
// LPM narrows to a candidate, and the filter-table match on
// (dst_addr, dst_port, protocol) confirms it. No LPM structure exists
// anywhere in the corpus (see DESIGN.md), so both steps collapse into one
// linear scan over the (small, control-plane-sized) VS list.
func (c *Config) lookupVS(dst netip.Addr, port uint16, proto Proto) (*VS, bool) {
	for _, vs := range c.VSs {
		if vs.Addr == dst && vs.Port == port && vs.Proto == proto {
			return vs, true
		}
	}
	return nil, false
}

// sourceAllowed implements spec section 4.6 step 3: a longest-match scan
// over the VS's allowed_src ranges.
func (vs *VS) sourceAllowed(client netip.Addr) bool {
	if len(vs.AllowedSrc) == 0 {
		return true
	}
	for _, p := range vs.AllowedSrc {
		if p.Contains(client) {
			return true
		}
	}
	return false
}

// selectReal runs the VS's scheduling policy (PRR or the consistent-hash
// ring) and returns the chosen, currently enabled real. Both policies
// skip past any real that has been disabled since the ring was last
// built, rather than failing outright on the first disabled slot they
// land on: a real's Enabled flag can flip between configuration
// generations without a ring rebuild, and a reschedulable packet must
// still find a live real if one exists (spec section 4.6 step 4).
func (vs *VS) selectReal(c *Config, hash uint32) (*Real, bool) {
	live := func(id int) bool {
		r := c.Reals[id]
		return r != nil && r.Enabled
	}

	if vs.PRR {
		ids := vs.ring.RealIDs()
		if len(ids) == 0 {
			return nil, false
		}
		for i := 0; i < len(ids); i++ {
			id := ids[(vs.rrCounter+uint64(i))%uint64(len(ids))]
			if live(id) {
				vs.rrCounter += uint64(i) + 1
				return c.Reals[id], true
			}
		}
		return nil, false
	}

	id, ok := vs.ring.SelectLive(hash, live)
	if !ok {
		return nil, false
	}
	return c.Reals[id], true
}
