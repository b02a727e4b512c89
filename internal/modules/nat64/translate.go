package nat64

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Result reports why a packet could not be translated, matching spec
// section 4.7's drop reasons.
type Result int

const (
	ResultOK Result = iota
	ResultUnknownMapping
	ResultUnknownPrefix
	ResultNonTranslatable
	ResultMalformed
)

// Translate4to6 implements spec section 4.7 "Translation (4 -> 6)".
func (c *Config) Translate4to6(frame []byte) ([]byte, Result) {
	eth := &layers.Ethernet{}
	ip4 := &layers.IPv4{}
	tcp := &layers.TCP{}
	udp := &layers.UDP{}
	icmp4 := &layers.ICMPv4{}
	var payload gopacket.Payload

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, eth, ip4, tcp, udp, icmp4, &payload)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(frame, &decoded); err != nil && !hasLayer(decoded, layers.LayerTypeIPv4) {
		return nil, ResultMalformed
	}

	mapping, ok := c.lookupV4(ip4.DstIP)
	if !ok {
		return nil, ResultUnknownMapping
	}

	srcV6 := embedV4(c.Prefixes[mapping.PrefixIndex], ip4.SrcIP)
	dstV6 := net.IP(mapping.IPv6[:])

	ip6 := &layers.IPv6{
		Version:      6,
		TrafficClass: ip4.TOS,
		HopLimit:     ip4.TTL,
		SrcIP:        srcV6,
		DstIP:        dstV6,
	}

	var transport gopacket.SerializableLayer
	switch {
	case hasLayer(decoded, layers.LayerTypeTCP):
		ip6.NextHeader = layers.IPProtocolTCP
		_ = tcp.SetNetworkLayerForChecksum(ip6)
		transport = tcp
	case hasLayer(decoded, layers.LayerTypeUDP):
		ip6.NextHeader = layers.IPProtocolUDP
		if udp.Checksum == 0 {
			udp.Checksum = 0xffff
		}
		_ = udp.SetNetworkLayerForChecksum(ip6)
		transport = udp
	case hasLayer(decoded, layers.LayerTypeICMPv4):
		ip6.NextHeader = layers.IPProtocolICMPv6
		translated, res := translateICMP4to6(icmp4, ip6)
		if res != ResultOK {
			return nil, res
		}
		transport = translated
	default:
		return nil, ResultNonTranslatable
	}

	eth.EthernetType = layers.EthernetTypeIPv6

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	layersToSerialize := []gopacket.SerializableLayer{eth, ip6, transport}
	if err := serializeWithPayload(buf, opts, layersToSerialize, payloadOf(decoded, payload)); err != nil {
		return nil, ResultMalformed
	}
	return buf.Bytes(), ResultOK
}

// Translate6to4 implements spec section 4.7 "Translation (6 -> 4)".
func (c *Config) Translate6to4(frame []byte) ([]byte, Result) {
	eth := &layers.Ethernet{}
	ip6 := &layers.IPv6{}
	tcp := &layers.TCP{}
	udp := &layers.UDP{}
	icmp6 := &layers.ICMPv6{}
	var payload gopacket.Payload

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, eth, ip6, tcp, udp, icmp6, &payload)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(frame, &decoded); err != nil && !hasLayer(decoded, layers.LayerTypeIPv6) {
		return nil, ResultMalformed
	}

	if _, ok := c.longestPrefixV6(ip6.SrcIP); !ok {
		return nil, ResultUnknownPrefix
	}
	srcV4 := stripPrefix(ip6.SrcIP)

	mapping, ok := c.lookupV6(ip6.DstIP)
	if !ok {
		return nil, ResultUnknownMapping
	}
	dstV4 := net.IP(mapping.IPv4[:])

	ip4 := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TOS:     ip6.TrafficClass,
		TTL:     ip6.HopLimit,
		SrcIP:   srcV4,
		DstIP:   dstV4,
	}

	var transport gopacket.SerializableLayer
	switch {
	case hasLayer(decoded, layers.LayerTypeTCP):
		ip4.Protocol = layers.IPProtocolTCP
		_ = tcp.SetNetworkLayerForChecksum(ip4)
		transport = tcp
	case hasLayer(decoded, layers.LayerTypeUDP):
		ip4.Protocol = layers.IPProtocolUDP
		if udp.Checksum == 0xffff {
			udp.Checksum = 0
		}
		_ = udp.SetNetworkLayerForChecksum(ip4)
		transport = udp
	case hasLayer(decoded, layers.LayerTypeICMPv6):
		translated, res := translateICMP6to4(icmp6, c.MTUv4)
		if res != ResultOK {
			return nil, res
		}
		ip4.Protocol = layers.IPProtocolICMPv4
		transport = translated
	default:
		return nil, ResultNonTranslatable
	}

	eth.EthernetType = layers.EthernetTypeIPv4

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	layersToSerialize := []gopacket.SerializableLayer{eth, ip4, transport}
	if err := serializeWithPayload(buf, opts, layersToSerialize, payloadOf(decoded, payload)); err != nil {
		return nil, ResultMalformed
	}
	return buf.Bytes(), ResultOK
}

func hasLayer(decoded []gopacket.LayerType, want gopacket.LayerType) bool {
	for _, lt := range decoded {
		if lt == want {
			return true
		}
	}
	return false
}

// payloadOf returns the raw bytes left over after header decoding, if the
// parser reached a trailing gopacket.Payload layer.
func payloadOf(decoded []gopacket.LayerType, payload gopacket.Payload) []byte {
	if !hasLayer(decoded, gopacket.LayerTypePayload) {
		return nil
	}
	return payload
}

func serializeWithPayload(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions, layerList []gopacket.SerializableLayer, payload []byte) error {
	if len(payload) > 0 {
		layerList = append(layerList, gopacket.Payload(payload))
	}
	return gopacket.SerializeLayers(buf, opts, layerList...)
}
