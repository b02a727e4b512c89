package nat64

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildV4UDPFrame(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      55,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{SrcPort: 1111, DstPort: 2222}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip4, udp, gopacket.Payload([]byte("hi"))))
	return buf.Bytes()
}

func buildV6UDPFrame(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   55,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      src,
		DstIP:      dst,
	}
	udp := &layers.UDP{SrcPort: 1111, DstPort: 2222}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip6))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip6, udp, gopacket.Payload([]byte("hi"))))
	return buf.Bytes()
}

func TestTranslate4to6ProducesMappedIPv6Packet(t *testing.T) {
	cfg := testConfig(t)
	frame := buildV4UDPFrame(t, net.IPv4(198, 51, 100, 5), net.IPv4(10, 0, 0, 1))

	out, res := cfg.Translate4to6(frame)
	require.Equal(t, ResultOK, res)

	gotEth := &layers.Ethernet{}
	gotIP6 := &layers.IPv6{}
	gotUDP := &layers.UDP{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, gotEth, gotIP6, gotUDP)
	var decoded []gopacket.LayerType
	require.NoError(t, parser.DecodeLayers(out, &decoded))
	require.Contains(t, decoded, layers.LayerTypeIPv6)

	require.True(t, gotIP6.DstIP.Equal(net.IP(cfg.Mappings[0].IPv6[:])))
	require.Equal(t, embedV4(cfg.Prefixes[0], net.IPv4(198, 51, 100, 5)), gotIP6.SrcIP)
}

func TestTranslate4to6DropsUnknownMapping(t *testing.T) {
	cfg := testConfig(t)
	frame := buildV4UDPFrame(t, net.IPv4(198, 51, 100, 5), net.IPv4(10, 0, 0, 9))

	_, res := cfg.Translate4to6(frame)
	require.Equal(t, ResultUnknownMapping, res)
}

func TestTranslate4to6Malformed(t *testing.T) {
	cfg := testConfig(t)
	_, res := cfg.Translate4to6([]byte{0x00, 0x01})
	require.Equal(t, ResultMalformed, res)
}

func TestTranslate6to4ProducesMappedIPv4Packet(t *testing.T) {
	cfg := testConfig(t)
	src := embedV4(cfg.Prefixes[0], net.IPv4(203, 0, 113, 9))
	dst := net.IP(cfg.Mappings[0].IPv6[:])
	frame := buildV6UDPFrame(t, src, dst)

	out, res := cfg.Translate6to4(frame)
	require.Equal(t, ResultOK, res)

	gotEth := &layers.Ethernet{}
	gotIP4 := &layers.IPv4{}
	gotUDP := &layers.UDP{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, gotEth, gotIP4, gotUDP)
	var decoded []gopacket.LayerType
	require.NoError(t, parser.DecodeLayers(out, &decoded))
	require.Contains(t, decoded, layers.LayerTypeIPv4)

	require.True(t, gotIP4.SrcIP.Equal(net.IPv4(203, 0, 113, 9)))
	require.True(t, gotIP4.DstIP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestTranslate6to4DropsUnknownPrefix(t *testing.T) {
	cfg := testConfig(t)
	src := net.ParseIP("2001:db8:dead:beef::1")
	dst := net.IP(cfg.Mappings[0].IPv6[:])
	frame := buildV6UDPFrame(t, src, dst)

	_, res := cfg.Translate6to4(frame)
	require.Equal(t, ResultUnknownPrefix, res)
}

func TestTranslate6to4DropsUnknownMapping(t *testing.T) {
	cfg := testConfig(t)
	src := embedV4(cfg.Prefixes[0], net.IPv4(203, 0, 113, 9))
	dst := net.ParseIP("2001:db8::dead")
	frame := buildV6UDPFrame(t, src, dst)

	_, res := cfg.Translate6to4(frame)
	require.Equal(t, ResultUnknownMapping, res)
}

func TestICMP4to6EchoRequestRoundTrips(t *testing.T) {
	icmp4 := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmp4EchoRequest, 0),
		Id:       7,
		Seq:      3,
	}
	ip6 := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolICMPv6}
	out, res := translateICMP4to6(icmp4, ip6)
	require.Equal(t, ResultOK, res)
	require.NotNil(t, out)
}

func TestICMP4to6NonTranslatableType(t *testing.T) {
	icmp4 := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(4, 0)} // source quench
	_, res := translateICMP4to6(icmp4, &layers.IPv6{})
	require.Equal(t, ResultNonTranslatable, res)
}

func TestICMP6to4PacketTooBigClampsMTU(t *testing.T) {
	icmp6 := &layers.ICMPv6{
		TypeCode:  layers.CreateICMPv6TypeCode(icmp6PacketTooBig, 0),
		TypeBytes: uint32Bytes(1500),
	}
	out, res := translateICMP6to4(icmp6, 1450)
	require.Equal(t, ResultOK, res)
	v4 := out.(*layers.ICMPv4)
	require.Equal(t, uint16(1480), v4.Seq)
}

// TestICMP6to4PacketTooBigFloorsZeroMTUToConfig exercises the case where
// the incoming ICMPv6 Packet Too Big message carries no usable MTU: the
// translated ICMPv4 message must report the configured IPv4 MTU rather
// than zero.
func TestICMP6to4PacketTooBigFloorsZeroMTUToConfig(t *testing.T) {
	icmp6 := &layers.ICMPv6{
		TypeCode:  layers.CreateICMPv6TypeCode(icmp6PacketTooBig, 0),
		TypeBytes: uint32Bytes(0),
	}
	out, res := translateICMP6to4(icmp6, 1450)
	require.Equal(t, ResultOK, res)
	v4 := out.(*layers.ICMPv4)
	require.Equal(t, uint16(1450), v4.Seq)
}

func TestICMP4to6ParameterProblemMapsPointer(t *testing.T) {
	icmp4 := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmp4ParameterProblem, 0),
		Id:       uint16(8) << 8,
	}
	out, res := translateICMP4to6(icmp4, &layers.IPv6{})
	require.Equal(t, ResultOK, res)
	v6 := out.(*layers.ICMPv6)
	require.Equal(t, uint32(7), uint32FromBytes(v6.TypeBytes))
}
