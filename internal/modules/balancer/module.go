package balancer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

// ModuleName is the stable name this module registers under in the
// pipeline.Registry.
const ModuleName = "balancer"

var counterNames = []string{
	"forwarded",
	"drop_no_vs",
	"drop_src_not_allowed",
	"drop_real_disabled",
	"drop_no_real",
	"drop_parse_error",
	"drop_encap_error",
}

// ResizeSessions sizes an instance's session table for numWorkers'
// use_prev_gen state. It must be called once numWorkers is known (spec
// section 4.6 "Session table resize protocol" indexes use_prev_gen by
// worker id) and before traffic starts, since Resize replaces the
// per-worker flag slice outright. A no-op for any other module's
// configuration.
func ResizeSessions(instanceConfig any, numWorkers int) {
	if bc, ok := instanceConfig.(*boundConfig); ok {
		bc.Config.Sessions.Resize(numWorkers)
	}
}

// MaintainSessions runs the balancer's periodic control-plane session
// table maintenance outside the worker hot path (spec section 4.6
// "Session table resize protocol"): growing the table once the fullest
// worker's density crosses the configured threshold, reclaiming the
// previous generation once every worker has finished consulting it, and
// pruning expired sessions. A no-op for any other module's configuration.
func MaintainSessions(instanceConfig any, now time.Time) (resized bool, pruned int) {
	bc, ok := instanceConfig.(*boundConfig)
	if !ok {
		return false, 0
	}
	resized = bc.Config.Sessions.MaybeResize(false)
	bc.Config.Sessions.ReclaimPrevGen()
	pruned = bc.Config.Sessions.Prune(now)
	return resized, pruned
}

// Module builds the balancer pipeline.Module.
func Module(counters *counter.Registry) *pipeline.Module {
	ids := make(map[string]counter.ID, len(counterNames))
	for _, name := range counterNames {
		ids[name] = counters.Register("balancer."+name, 1)
	}

	h := handler{registry: counters, ids: ids}
	return &pipeline.Module{
		Name:          ModuleName,
		Handler:       pipeline.HandlerFunc(h.handle),
		ConfigHandler: configHandler,
	}
}

// rawConfig is the JSON wire shape for a balancer instance's
// configuration, decoded by configHandler into a built Config.
type rawReal struct {
	ID          int    `json:"id"`
	Addr        string `json:"addr"`
	Weight      int    `json:"weight"`
	SrcMasqAddr string `json:"src_masq_addr"`
	SrcMasqMask string `json:"src_masq_mask"`
	Enabled     bool   `json:"enabled"`
}

type rawVS struct {
	ID         int      `json:"id"`
	Addr       string   `json:"addr"`
	Port       uint16   `json:"port"`
	Proto      string   `json:"proto"`
	OPS        bool     `json:"ops"`
	PRR        bool     `json:"prr"`
	GRE        bool     `json:"gre"`
	RealIDs    []int    `json:"real_ids"`
	AllowedSrc []string `json:"allowed_src"`
}

type rawConfig struct {
	VSs   []rawVS   `json:"vs"`
	Reals []rawReal `json:"reals"`
}

func configHandler(instanceName string, raw []byte, old any) (any, error) {
	if prev, ok := old.(*boundConfig); ok && bytes.Equal(prev.raw, raw) {
		return prev, nil
	}

	var rc rawConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("balancer: instance %q: %w", instanceName, err)
	}

	cfg := &Config{Reals: make(map[int]*Real, len(rc.Reals))}
	for _, r := range rc.Reals {
		addr, err := netip.ParseAddr(r.Addr)
		if err != nil {
			return nil, fmt.Errorf("balancer: instance %q: real %d: %w", instanceName, r.ID, err)
		}
		real := &Real{ID: r.ID, Addr: addr, Weight: r.Weight, Enabled: r.Enabled}
		if r.SrcMasqAddr != "" {
			if real.SrcMasqAddr, err = netip.ParseAddr(r.SrcMasqAddr); err != nil {
				return nil, fmt.Errorf("balancer: instance %q: real %d: src_masq_addr: %w", instanceName, r.ID, err)
			}
		}
		if r.SrcMasqMask != "" {
			if real.SrcMasqMask, err = netip.ParseAddr(r.SrcMasqMask); err != nil {
				return nil, fmt.Errorf("balancer: instance %q: real %d: src_masq_mask: %w", instanceName, r.ID, err)
			}
		}
		cfg.Reals[r.ID] = real
	}

	for _, v := range rc.VSs {
		addr, err := netip.ParseAddr(v.Addr)
		if err != nil {
			return nil, fmt.Errorf("balancer: instance %q: vs %d: %w", instanceName, v.ID, err)
		}
		vs := &VS{
			ID:      v.ID,
			Addr:    addr,
			Port:    v.Port,
			OPS:     v.OPS,
			PRR:     v.PRR,
			GRE:     v.GRE,
			RealIDs: v.RealIDs,
		}
		switch v.Proto {
		case "udp":
			vs.Proto = ProtoUDP
		default:
			vs.Proto = ProtoTCP
		}
		for _, s := range v.AllowedSrc {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("balancer: instance %q: vs %d: allowed_src %q: %w", instanceName, v.ID, s, err)
			}
			vs.AllowedSrc = append(vs.AllowedSrc, p)
		}
		cfg.VSs = append(cfg.VSs, vs)
	}

	if err := cfg.Build(); err != nil {
		return nil, fmt.Errorf("balancer: instance %q: %w", instanceName, err)
	}

	raw64 := make([]byte, len(raw))
	copy(raw64, raw)
	return &boundConfig{Config: cfg, raw: raw64}, nil
}

type boundConfig struct {
	*Config
	raw []byte
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
	addr, err := h.registry.Address(id, ctx.Counters, 0)
	if err != nil {
		return
	}
	counter.Add(addr, 1)
}

// handle implements the module ABI (spec section 4.4) by running every
// packet through the lookup-forward pipeline of spec section 4.6.
func (h handler) handle(ctx *pipeline.Context, instance any, front *packet.Front) {
	bc, ok := instance.(*boundConfig)
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

	workerIdx := 0
	if ctx != nil {
		workerIdx = ctx.WorkerIndex
	}

	for {
		p := front.Input.PopFront()
		if p == nil {
			break
		}

		client, dst, proto, dstPort, clientPort, flags, ok := parseL4(p)
		if !ok {
			h.bump(ctx, "drop_parse_error")
			front.Drop.PushBack(p)
			continue
		}

		vs, ok := bc.Config.lookupVS(dst, dstPort, proto)
		if !ok {
			h.bump(ctx, "drop_no_vs")
			front.Drop.PushBack(p)
			continue
		}

		if !vs.sourceAllowed(client) {
			h.bump(ctx, "drop_src_not_allowed")
			front.Drop.PushBack(p)
			continue
		}

		real, ok, realDisabled := h.scheduleReal(bc.Config, vs, workerIdx, client, clientPort, proto, flags, p.Hash)
		if !ok {
			if realDisabled {
				h.bump(ctx, "drop_real_disabled")
			} else {
				h.bump(ctx, "drop_no_real")
			}
			front.Drop.PushBack(p)
			continue
		}

		outerSrc := real.Addr
		if real.SrcMasqAddr.IsValid() && real.SrcMasqMask.IsValid() {
			outerSrc = MaskAddr(client, real.SrcMasqAddr, real.SrcMasqMask)
		}

		out, err := Encapsulate(p.Data, outerSrc, real.Addr, vs.GRE)
		if err != nil {
			h.bump(ctx, "drop_encap_error")
			front.Drop.PushBack(p)
			continue
		}

		p.Data = out
		h.bump(ctx, "forwarded")
		front.Output.PushBack(p)
	}

	// A worker has now finished consulting the previous generation (if
	// any) for this full iteration; release its use_prev_gen hold and
	// reclaim the previous generation once every worker has done the
	// same (spec section 4.6 "Session table resize protocol").
	bc.Config.Sessions.ClearUsePrevGen(workerIdx)
	bc.Config.Sessions.ReclaimPrevGen()
}

// scheduleReal implements spec section 4.6 steps 4-6: session lookup,
// reschedule-if-disabled, ring/PRR selection, and OPS bypass of the
// session table entirely. realDisabled reports that the drop is
// specifically an established session pinned to a real that has since
// been disabled (scenario 3's non-reschedulable half), as distinct from
// the ring/PRR having no live real at all.
func (h handler) scheduleReal(cfg *Config, vs *VS, workerIdx int, client netip.Addr, clientPort uint16, proto Proto, flags TCPFlags, hash uint32) (real *Real, ok bool, realDisabled bool) {
	if vs.OPS {
		real, ok = vs.selectReal(cfg, hash)
		return real, ok, false
	}

	key := Key{VSID: vs.ID, ClientAddr: client, ClientPort: clientPort}
	now := time.Now()

	if sess, hit := cfg.Sessions.Lookup(workerIdx, key); hit {
		if r := cfg.Reals[sess.RealID]; r != nil && r.Enabled {
			sess.LastTS = now
			sess.Timeout = cfg.Timeouts.timeoutFor(proto, flags)
			cfg.Sessions.Refresh(key, sess)
			return r, true, false
		}
		if !reschedulable(proto, flags) {
			return nil, false, true
		}
	}

	real, ok = vs.selectReal(cfg, hash)
	if !ok {
		return nil, false, false
	}
	cfg.Sessions.Insert(key, Session{
		RealID:   real.ID,
		CreateTS: now,
		LastTS:   now,
		Timeout:  cfg.Timeouts.timeoutFor(proto, flags),
	})
	return real, true, false
}

// parseL4 extracts the fields balancer lookup needs directly from the
// packet's raw frame, since packet.Headers only records offsets and
// coarse protocol, not port numbers or TCP control bits.
func parseL4(p *packet.Packet) (client, dst netip.Addr, proto Proto, dstPort, clientPort uint16, flags TCPFlags, ok bool) {
	h := p.Headers
	switch h.L3 {
	case packet.L3IPv4:
		if len(p.Data) < h.L4Offset {
			return
		}
		ip := &layers.IPv4{}
		if err := ip.DecodeFromBytes(p.Data[h.L3Offset:], gopacket.NilDecodeFeedback); err != nil {
			return
		}
		client, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case packet.L3IPv6:
		if len(p.Data) < h.L4Offset {
			return
		}
		ip := &layers.IPv6{}
		if err := ip.DecodeFromBytes(p.Data[h.L3Offset:], gopacket.NilDecodeFeedback); err != nil {
			return
		}
		client, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
	default:
		return
	}

	switch h.L4 {
	case packet.L4TCP:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(p.Data[h.L4Offset:], gopacket.NilDecodeFeedback); err != nil {
			return client, dst, proto, 0, 0, flags, false
		}
		proto = ProtoTCP
		dstPort = uint16(tcp.DstPort)
		clientPort = uint16(tcp.SrcPort)
		flags = TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST}
	case packet.L4UDP:
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(p.Data[h.L4Offset:], gopacket.NilDecodeFeedback); err != nil {
			return client, dst, proto, 0, 0, flags, false
		}
		proto = ProtoUDP
		dstPort = uint16(udp.DstPort)
		clientPort = uint16(udp.SrcPort)
	default:
		return client, dst, proto, 0, 0, flags, false
	}

	return client, dst, proto, dstPort, clientPort, flags, true
}
