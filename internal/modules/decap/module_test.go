package decap

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
)

func buildIPinIPFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	outer := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: protoIPinIP,
		SrcIP: net.IPv4(192, 0, 2, 1), DstIP: net.IPv4(192, 0, 2, 2),
	}
	inner := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 63, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 1, DstPort: 2}
	require.NoError(t, udp.SetNetworkLayerForChecksum(inner))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, outer, inner, udp))
	return buf.Bytes()
}

func TestDecapStripsIPinIP(t *testing.T) {
	mod := Module(counter.NewRegistry())
	cfg, err := mod.ConfigHandler("main", []byte(`{}`), nil)
	require.NoError(t, err)

	front := &packet.Front{}
	front.Input.PushBack(packet.New(buildIPinIPFrame(t)))
	mod.Handler.Handle(nil, cfg, front)

	out := front.Output.PopFront()
	require.NotNil(t, out)
	require.Equal(t, packet.L3IPv4, out.Headers.L3)

	ip := &layers.IPv4{}
	require.NoError(t, ip.DecodeFromBytes(out.Data[14:], gopacket.NilDecodeFeedback))
	require.Equal(t, "10.0.0.1", ip.SrcIP.String())
	require.Equal(t, "10.0.0.2", ip.DstIP.String())
}

func TestDecapDropsDisallowedProtocol(t *testing.T) {
	mod := Module(counter.NewRegistry())
	cfg, err := mod.ConfigHandler("main", []byte(`{"allow_gre":true}`), nil)
	require.NoError(t, err)

	front := &packet.Front{}
	front.Input.PushBack(packet.New(buildIPinIPFrame(t)))
	mod.Handler.Handle(nil, cfg, front)

	require.Nil(t, front.Output.PopFront())
	require.NotNil(t, front.Drop.PopFront())
}

func TestDecapDropsMalformed(t *testing.T) {
	mod := Module(counter.NewRegistry())
	cfg, err := mod.ConfigHandler("main", []byte(`{}`), nil)
	require.NoError(t, err)

	front := &packet.Front{}
	front.Input.PushBack(packet.New([]byte{0x00, 0x01}))
	mod.Handler.Handle(nil, cfg, front)

	require.Nil(t, front.Output.PopFront())
	require.NotNil(t, front.Drop.PopFront())
}
