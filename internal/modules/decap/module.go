// Package decap strips an outer IP-in-IP, IPv6-in-IPv6, or minimal GRE
// header (the encapsulation balancer applies on its forwarding path) so
// the inner datagram can re-enter a pipeline as an ordinary packet. It is
// the reverse of balancer.Encapsulate.
package decap

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

const ModuleName = "decap"

// protocol numbers addressed numerically for the same reason
// balancer/encap.go does: no named gopacket constant for them has been
// exercised elsewhere in this codebase.
const (
	protoIPinIP   = layers.IPProtocol(4)
	protoIPv6inIP = layers.IPProtocol(41)
	protoGRE      = layers.IPProtocol(47)
)

// Config controls which outer protocols this instance accepts; an empty
// set accepts all three.
type Config struct {
	AllowIPinIP   bool
	AllowIPv6inIP bool
	AllowGRE      bool
	raw           []byte
}

func (c *Config) allowsNone() bool {
	return !c.AllowIPinIP && !c.AllowIPv6inIP && !c.AllowGRE
}

func Module(counters *counter.Registry) *pipeline.Module {
	ids := map[string]counter.ID{
		"decapsulated":    counters.Register(ModuleName+".decapsulated", 1),
		"drop_malformed":  counters.Register(ModuleName+".drop_malformed", 1),
		"drop_disallowed": counters.Register(ModuleName+".drop_disallowed", 1),
	}
	h := handler{registry: counters, ids: ids}
	return &pipeline.Module{
		Name:          ModuleName,
		Handler:       pipeline.HandlerFunc(h.handle),
		ConfigHandler: configHandler,
	}
}

type rawConfig struct {
	AllowIPinIP   bool `json:"allow_ip_in_ip"`
	AllowIPv6inIP bool `json:"allow_ipv6_in_ip"`
	AllowGRE      bool `json:"allow_gre"`
}

func configHandler(instanceName string, raw []byte, old any) (any, error) {
	if prev, ok := old.(*Config); ok && bytes.Equal(prev.raw, raw) {
		return prev, nil
	}
	var rc rawConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rc); err != nil {
			return nil, fmt.Errorf("decap: instance %q: %w", instanceName, err)
		}
	}
	raw64 := make([]byte, len(raw))
	copy(raw64, raw)
	return &Config{
		AllowIPinIP:   rc.AllowIPinIP,
		AllowIPv6inIP: rc.AllowIPv6inIP,
		AllowGRE:      rc.AllowGRE,
		raw:           raw64,
	}, nil
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

	allowAll := cfg.allowsNone()

	for {
		p := front.Input.PopFront()
		if p == nil {
			break
		}

		out, _, ok := decapsulate(p, allowAll, cfg)
		if !ok {
			h.bump(ctx, "drop_malformed")
			front.Drop.PushBack(p)
			continue
		}
		if out == nil {
			h.bump(ctx, "drop_disallowed")
			front.Drop.PushBack(p)
			continue
		}

		hdr, ok := reparse(out)
		if !ok {
			h.bump(ctx, "drop_malformed")
			front.Drop.PushBack(p)
			continue
		}

		p.Data = out
		p.Headers = hdr
		h.bump(ctx, "decapsulated")
		front.Output.PushBack(p)
	}
}

// decapsulate removes ethFrame's outer network-layer header and any GRE
// shim, returning the reassembled inner Ethernet frame. It returns
// (nil, _, true) when the outer protocol is recognized but disallowed by
// cfg, and (_, _, false) when the frame cannot be parsed at all.
func decapsulate(p *packet.Packet, allowAll bool, cfg *Config) ([]byte, packet.L3Proto, bool) {
	eth := &layers.Ethernet{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, eth)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(p.Data, &decoded); err != nil && len(decoded) == 0 {
		return nil, 0, false
	}

	var innerProto layers.IPProtocol
	var payload []byte
	var outerIsV6 bool

	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		ip := &layers.IPv4{}
		if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, 0, false
		}
		innerProto = ip.Protocol
		payload = ip.Payload
	case layers.EthernetTypeIPv6:
		ip := &layers.IPv6{}
		if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, 0, false
		}
		innerProto = ip.NextHeader
		payload = ip.Payload
		outerIsV6 = true
	default:
		return nil, 0, false
	}

	isGRE := innerProto == protoGRE
	isIPinIP := !outerIsV6 && innerProto == protoIPinIP
	isIPv6inIP := outerIsV6 && innerProto == protoIPv6inIP

	if !isGRE && !isIPinIP && !isIPv6inIP {
		return nil, 0, false
	}
	if !allowAll {
		if (isGRE && !cfg.AllowGRE) || (isIPinIP && !cfg.AllowIPinIP) || (isIPv6inIP && !cfg.AllowIPv6inIP) {
			return nil, 0, true
		}
	}

	inner := payload
	if isGRE {
		if len(payload) < 4 {
			return nil, 0, false
		}
		innerEtherType := layers.EthernetType(uint16(payload[2])<<8 | uint16(payload[3]))
		var l3 packet.L3Proto
		switch innerEtherType {
		case layers.EthernetTypeIPv4:
			l3 = packet.L3IPv4
		case layers.EthernetTypeIPv6:
			l3 = packet.L3IPv6
		default:
			return nil, 0, false
		}
		rebuilt := rebuildEthernet(eth, innerEtherType, payload[4:])
		if rebuilt == nil {
			return nil, 0, false
		}
		return rebuilt, l3, true
	}

	var l3 packet.L3Proto
	innerEtherType := layers.EthernetTypeIPv4
	if isIPv6inIP {
		l3 = packet.L3IPv6
		innerEtherType = layers.EthernetTypeIPv6
	} else {
		l3 = packet.L3IPv4
	}
	rebuilt := rebuildEthernet(eth, innerEtherType, inner)
	if rebuilt == nil {
		return nil, 0, false
	}
	return rebuilt, l3, true
}

// reparse recomputes a packet.Headers for a rebuilt frame, the same way
// the worker loop parses a freshly received frame (internal/dataplane's
// parser), since the rest of the pipeline ABI only ever sees offsets
// computed once at receive time and decap must keep them in step with
// the frame it just rewrote.
func reparse(data []byte) (packet.Headers, bool) {
	eth := &layers.Ethernet{}
	ip4 := &layers.IPv4{}
	ip6 := &layers.IPv6{}
	tcp := &layers.TCP{}
	udp := &layers.UDP{}
	icmp4 := &layers.ICMPv4{}
	icmp6 := &layers.ICMPv6{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, eth, ip4, ip6, tcp, udp, icmp4, icmp6)
	parser.IgnoreUnsupported = true

	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(data, &decoded); err != nil && len(decoded) == 0 {
		return packet.Headers{}, false
	}

	var hdr packet.Headers
	offset := 0
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			hdr.L2Offset = offset
			offset += 14
		case layers.LayerTypeIPv4:
			hdr.L3Offset = offset
			hdr.L3 = packet.L3IPv4
			offset += int(ip4.IHL) * 4
		case layers.LayerTypeIPv6:
			hdr.L3Offset = offset
			hdr.L3 = packet.L3IPv6
			offset += 40
		case layers.LayerTypeTCP:
			hdr.L4Offset = offset
			hdr.L4 = packet.L4TCP
			offset += int(tcp.DataOffset) * 4
		case layers.LayerTypeUDP:
			hdr.L4Offset = offset
			hdr.L4 = packet.L4UDP
			offset += 8
		case layers.LayerTypeICMPv4:
			hdr.L4Offset = offset
			hdr.L4 = packet.L4ICMP
			offset += 8
		case layers.LayerTypeICMPv6:
			hdr.L4Offset = offset
			hdr.L4 = packet.L4ICMPv6
			offset += 4
		}
	}
	hdr.PayloadOffset = offset
	return hdr, hdr.L3 != packet.L3Unknown
}

// rebuildEthernet wraps inner in a fresh Ethernet header carrying the
// outer frame's addressing, so the decapsulated packet still looks like
// a frame the rest of the pipeline ABI expects.
func rebuildEthernet(outerEth *layers.Ethernet, etherType layers.EthernetType, inner []byte) []byte {
	newEth := &layers.Ethernet{
		SrcMAC:       outerEth.SrcMAC,
		DstMAC:       outerEth.DstMAC,
		EthernetType: etherType,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, newEth, gopacket.Payload(inner)); err != nil {
		return nil
	}
	return buf.Bytes()
}
