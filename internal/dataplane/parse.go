package dataplane

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/sakateka/yanet2/internal/packet"
)

// parser decodes the L2/L3/L4 headers of a received frame into a
// packet.Headers without allocating new layer objects per packet (spec
// section 4.3 step 2: "For each received mbuf, initialize the packet
// envelope, parse L2/L3/L4"). One parser belongs to exactly one worker,
// matching the worker's single-goroutine ownership of everything it
// touches per iteration.
type parser struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	decoded []gopacket.LayerType
	dlp     *gopacket.DecodingLayerParser
}

func newParser() *parser {
	p := &parser{}
	p.dlp = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.tcp, &p.udp, &p.icmp4, &p.icmp6,
	)
	p.dlp.IgnoreUnsupported = true
	return p
}

// Parse fills hdr from pkt's raw bytes. It returns false if the frame
// could not be decoded at all or no IPv4/IPv6 header was decoded from it
// (spec section 7: "Packet parse failure:
// packet dropped, counter incremented, loop continues").
func (p *parser) Parse(data []byte, hdr *packet.Headers) bool {
	if err := p.dlp.DecodeLayers(data, &p.decoded); err != nil && len(p.decoded) == 0 {
		return false
	}

	*hdr = packet.Headers{}
	offset := 0
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			hdr.L2Offset = offset
			offset += 14
		case layers.LayerTypeDot1Q:
			hdr.VLAN = p.dot1q.VLANIdentifier
			offset += 4
		case layers.LayerTypeIPv4:
			hdr.L3Offset = offset
			hdr.L3 = packet.L3IPv4
			offset += int(p.ip4.IHL) * 4
		case layers.LayerTypeIPv6:
			hdr.L3Offset = offset
			hdr.L3 = packet.L3IPv6
			offset += 40
		case layers.LayerTypeTCP:
			hdr.L4Offset = offset
			hdr.L4 = packet.L4TCP
			offset += int(p.tcp.DataOffset) * 4
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
	return hdr.L3 != packet.L3Unknown
}
