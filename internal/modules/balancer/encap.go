package balancer

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// protocol numbers not exposed as named gopacket constants; addressed
// numerically to avoid depending on constant names this package cannot
// verify against the vendored library (see DESIGN.md).
const (
	protoIPinIP   = layers.IPProtocol(4)
	protoIPv6inIP = layers.IPProtocol(41)
	protoGRE      = layers.IPProtocol(47)
)

// MaskAddr applies spec section 4.6's outer-source computation:
// (client_src & ~src_mask) | (src_addr & src_mask), where src_addr is the
// real's pre-masked masquerade address. Both addresses must be the same
// IP version.
func MaskAddr(client, srcAddr, srcMask netip.Addr) netip.Addr {
	c := client.AsSlice()
	a := srcAddr.AsSlice()
	m := srcMask.AsSlice()
	out := make([]byte, len(c))
	for i := range out {
		out[i] = (c[i] &^ m[i]) | (a[i] & m[i])
	}
	addr, _ := netip.AddrFromSlice(out)
	if client.Is4() {
		addr = addr.Unmap()
	}
	return addr
}

// Encapsulate wraps ethFrame's network-layer datagram (everything after
// the Ethernet header, preserved byte-for-byte) inside a new outer
// IPv4-in-IPv4 or IPv6-in-IPv6 header addressed to outerDst, or inside a
// minimal GRE header if gre is set, per spec section 4.6 "Packet
// rewrite".
func Encapsulate(ethFrame []byte, outerSrc, outerDst netip.Addr, gre bool) ([]byte, error) {
	eth := &layers.Ethernet{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, eth)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(ethFrame, &decoded); err != nil && len(decoded) == 0 {
		return nil, err
	}
	inner := eth.Payload

	var innerEtherType layers.EthernetType
	var payload gopacket.SerializableLayer
	if gre {
		innerEtherType = eth.EthernetType
		payload = greWrap(innerEtherType, inner)
	} else {
		payload = gopacket.Payload(inner)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	outerEth := &layers.Ethernet{
		SrcMAC:       eth.SrcMAC,
		DstMAC:       eth.DstMAC,
		EthernetType: eth.EthernetType,
	}

	if outerSrc.Is4() {
		outerIP := &layers.IPv4{
			Version: 4,
			IHL:     5,
			TTL:     64,
			SrcIP:   net.IP(outerSrc.AsSlice()),
			DstIP:   net.IP(outerDst.AsSlice()),
		}
		if gre {
			outerIP.Protocol = protoGRE
		} else {
			outerIP.Protocol = protoIPinIP
		}
		if err := gopacket.SerializeLayers(buf, opts, outerEth, outerIP, payload); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	outerIP6 := &layers.IPv6{
		Version:  6,
		HopLimit: 64,
		SrcIP:    net.IP(outerSrc.AsSlice()),
		DstIP:    net.IP(outerDst.AsSlice()),
	}
	if gre {
		outerIP6.NextHeader = protoGRE
	} else {
		outerIP6.NextHeader = protoIPv6inIP
	}
	if err := gopacket.SerializeLayers(buf, opts, outerEth, outerIP6, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// greWrap builds a minimal (no checksum, no key, no sequence) 4-byte GRE
// header per RFC 2784, carrying innerEtherType as the encapsulated
// protocol type, followed by the original datagram.
func greWrap(innerEtherType layers.EthernetType, inner []byte) gopacket.Payload {
	hdr := []byte{0x00, 0x00, byte(innerEtherType >> 8), byte(innerEtherType)}
	return gopacket.Payload(append(hdr, inner...))
}
