// Package route implements a static longest-prefix-match forwarding
// table: each packet's destination address selects a next hop and egress
// device, and the packet's Ethernet destination is rewritten to the next
// hop's MAC before the packet is stamped for TX. It is the stateless
// sibling of balancer's consistent-hash scheduling: one lookup, one
// rewrite, no session state.
package route

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

const ModuleName = "route"

// Entry is one static route: a destination prefix, the next hop's MAC,
// and the egress device to stamp on a match.
type Entry struct {
	Dst        netip.Prefix
	NextHopMAC net.HardwareAddr
	TxDeviceID uint16
}

// Config is one route module instance's forwarding table.
type Config struct {
	Entries []Entry
	raw     []byte
}

// lookup runs a longest-prefix-match scan over Entries. No LPM trie
// structure exists anywhere in the corpus (see DESIGN.md), so, as in
// nat64 and balancer, this is a linear scan sized for a control-plane,
// not a data-plane, route table.
func (c *Config) lookup(dst netip.Addr) (Entry, bool) {
	best := -1
	var bestEntry Entry
	for _, e := range c.Entries {
		if e.Dst.Contains(dst) && e.Dst.Bits() > best {
			best = e.Dst.Bits()
			bestEntry = e
		}
	}
	return bestEntry, best >= 0
}

func Module(counters *counter.Registry) *pipeline.Module {
	ids := map[string]counter.ID{
		"forwarded":      counters.Register(ModuleName+".forwarded", 1),
		"drop_no_route":  counters.Register(ModuleName+".drop_no_route", 1),
		"drop_malformed": counters.Register(ModuleName+".drop_malformed", 1),
	}
	h := handler{registry: counters, ids: ids}
	return &pipeline.Module{
		Name:          ModuleName,
		Handler:       pipeline.HandlerFunc(h.handle),
		ConfigHandler: configHandler,
	}
}

type rawEntry struct {
	Dst        string `json:"dst"`
	NextHopMAC string `json:"next_hop_mac"`
	TxDeviceID uint16 `json:"tx_device_id"`
}

func configHandler(instanceName string, raw []byte, old any) (any, error) {
	if prev, ok := old.(*Config); ok && bytes.Equal(prev.raw, raw) {
		return prev, nil
	}
	var entries []rawEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("route: instance %q: %w", instanceName, err)
	}
	cfg := &Config{Entries: make([]Entry, 0, len(entries))}
	for _, re := range entries {
		dst, err := netip.ParsePrefix(re.Dst)
		if err != nil {
			return nil, fmt.Errorf("route: instance %q: dst %q: %w", instanceName, re.Dst, err)
		}
		mac, err := net.ParseMAC(re.NextHopMAC)
		if err != nil {
			return nil, fmt.Errorf("route: instance %q: next_hop_mac %q: %w", instanceName, re.NextHopMAC, err)
		}
		cfg.Entries = append(cfg.Entries, Entry{Dst: dst, NextHopMAC: mac, TxDeviceID: re.TxDeviceID})
	}
	raw64 := make([]byte, len(raw))
	copy(raw64, raw)
	cfg.raw = raw64
	return cfg, nil
}

type handler struct {
	registry *counter.Registry
	ids      map[string]counter.ID
}

func (h handler) bump(ctx *pipeline.Context, name string) {
	if ctx == nil || ctx.Counters == nil {
		return
	}
	id, ok := h.ids[name]
	if !ok {
		return
	}
	if addr, err := h.registry.Address(id, ctx.Counters, 0); err == nil {
		counter.Add(addr, 1)
	}
}

func (h handler) handle(ctx *pipeline.Context, instance any, front *packet.Front) {
	cfg, ok := instance.(*Config)
	if !ok {
		for {
			p := front.Input.PopFront()
			if p == nil {
				break
			}
			front.Drop.PushBack(p)
		}
		return
	}

	for {
		p := front.Input.PopFront()
		if p == nil {
			break
		}

		dst, ok := destAddr(p)
		if !ok {
			h.bump(ctx, "drop_malformed")
			front.Drop.PushBack(p)
			continue
		}

		entry, ok := cfg.lookup(dst)
		if !ok {
			h.bump(ctx, "drop_no_route")
			front.Drop.PushBack(p)
			continue
		}

		if len(p.Data) >= 6 {
			copy(p.Data[0:6], entry.NextHopMAC)
		}
		if entry.TxDeviceID != 0 {
			p.TxDeviceID = entry.TxDeviceID
		}
		h.bump(ctx, "forwarded")
		front.Output.PushBack(p)
	}
}

func destAddr(p *packet.Packet) (netip.Addr, bool) {
	h := p.Headers
	switch h.L3 {
	case packet.L3IPv4:
		if len(p.Data) < h.L3Offset+20 {
			return netip.Addr{}, false
		}
		ip := &layers.IPv4{}
		if err := ip.DecodeFromBytes(p.Data[h.L3Offset:], gopacket.NilDecodeFeedback); err != nil {
			return netip.Addr{}, false
		}
		a, ok := netip.AddrFromSlice(ip.DstIP.To4())
		return a, ok
	case packet.L3IPv6:
		if len(p.Data) < h.L3Offset+40 {
			return netip.Addr{}, false
		}
		ip := &layers.IPv6{}
		if err := ip.DecodeFromBytes(p.Data[h.L3Offset:], gopacket.NilDecodeFeedback); err != nil {
			return netip.Addr{}, false
		}
		a, ok := netip.AddrFromSlice(ip.DstIP.To16())
		return a, ok
	default:
		return netip.Addr{}, false
	}
}
