package nat64

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// ICMP type/code numbers per IANA, named locally rather than relying on
// gopacket's own constant set, which does not cover every value spec
// section 4.7's translation table needs.
const (
	icmp4EchoReply              = 0
	icmp4DestinationUnreachable = 3
	icmp4EchoRequest            = 8
	icmp4TimeExceeded           = 11
	icmp4ParameterProblem       = 12

	icmp4CodeNet                 = 0
	icmp4CodeHost                = 1
	icmp4CodeProtocol            = 2
	icmp4CodePort                = 3
	icmp4CodeFragmentationNeeded = 4
	icmp4CodeNetAdminProhibited  = 9
	icmp4CodeHostAdminProhibited = 10
	icmp4CodeCommAdminProhibited = 13

	icmp6DestinationUnreachable = 1
	icmp6PacketTooBig           = 2
	icmp6TimeExceeded           = 3
	icmp6ParameterProblem       = 4
	icmp6EchoRequest            = 128
	icmp6EchoReply              = 129

	icmp6CodeNoRouteToDst           = 0
	icmp6CodeAdminProhibited        = 1
	icmp6CodeAddressUnreachable     = 3
	icmp6CodePortUnreachable        = 4
	icmp6CodeErroneousHeaderField   = 0
	icmp6CodeUnrecognizedNextHeader = 1
)

// parameterProblemPointerV4toV6 maps an ICMPv4 Parameter Problem pointer to its
// ICMPv6 equivalent per RFC 7915 section 4.5's pointer table; a pointer
// with no IPv6 equivalent yields ResultNonTranslatable.
var parameterProblemPointerV4toV6 = map[uint8]uint32{
	0:  0,
	1:  1,
	2:  4,
	8:  7,
	9:  6,
	12: 8,
	16: 24,
}

var parameterProblemPointerV6toV4 = map[uint32]uint8{
	0:  0,
	1:  1,
	4:  2,
	7:  8,
	6:  9,
	8:  12,
	24: 16,
}

// translateICMP4to6 maps an ICMPv4 message onto its ICMPv6 equivalent per
// spec section 4.7's ICMP translation table (RFC 7915 section 4.5/4.6).
// Types with no IPv6 analogue (source quench, timestamp, info, address
// mask) report ResultNonTranslatable.
func translateICMP4to6(icmp4 *layers.ICMPv4, ip6 *layers.IPv6) (gopacket.SerializableLayer, Result) {
	typ := icmp4.TypeCode.Type()
	code := icmp4.TypeCode.Code()
	out := &layers.ICMPv6{}

	finish := func(res Result) (gopacket.SerializableLayer, Result) {
		if res != ResultOK {
			return nil, res
		}
		_ = out.SetNetworkLayerForChecksum(ip6)
		return out, ResultOK
	}

	switch typ {
	case icmp4EchoRequest:
		_ = out.SetNetworkLayerForChecksum(ip6)
		return &icmpv6Echo{ICMPv6: out, typ: icmp6EchoRequest, id: icmp4.Id, seq: icmp4.Seq}, ResultOK
	case icmp4EchoReply:
		_ = out.SetNetworkLayerForChecksum(ip6)
		return &icmpv6Echo{ICMPv6: out, typ: icmp6EchoReply, id: icmp4.Id, seq: icmp4.Seq}, ResultOK

	case icmp4DestinationUnreachable:
		switch code {
		case icmp4CodeNet, icmp4CodeHost:
			out.TypeCode = layers.CreateICMPv6TypeCode(icmp6DestinationUnreachable, icmp6CodeNoRouteToDst)
		case icmp4CodeProtocol:
			out.TypeCode = layers.CreateICMPv6TypeCode(icmp6ParameterProblem, icmp6CodeUnrecognizedNextHeader)
			out.TypeBytes = uint32Bytes(6)
			return finish(ResultOK)
		case icmp4CodePort:
			out.TypeCode = layers.CreateICMPv6TypeCode(icmp6DestinationUnreachable, icmp6CodePortUnreachable)
		case icmp4CodeFragmentationNeeded:
			mtu := uint32(icmp4.Seq) + 20
			out.TypeCode = layers.CreateICMPv6TypeCode(icmp6PacketTooBig, 0)
			out.TypeBytes = uint32Bytes(mtu)
			return finish(ResultOK)
		case icmp4CodeNetAdminProhibited, icmp4CodeHostAdminProhibited, icmp4CodeCommAdminProhibited:
			out.TypeCode = layers.CreateICMPv6TypeCode(icmp6DestinationUnreachable, icmp6CodeAdminProhibited)
		default:
			return finish(ResultNonTranslatable)
		}
		return finish(ResultOK)

	case icmp4TimeExceeded:
		out.TypeCode = layers.CreateICMPv6TypeCode(icmp6TimeExceeded, code)
		return finish(ResultOK)

	case icmp4ParameterProblem:
		pointer := uint8(icmp4.Id >> 8)
		v6Pointer, ok := parameterProblemPointerV4toV6[pointer]
		if !ok {
			return finish(ResultNonTranslatable)
		}
		out.TypeCode = layers.CreateICMPv6TypeCode(icmp6ParameterProblem, icmp6CodeErroneousHeaderField)
		out.TypeBytes = uint32Bytes(v6Pointer)
		return finish(ResultOK)

	default:
		return finish(ResultNonTranslatable)
	}
}

// translateICMP6to4 is the inverse of translateICMP4to6. ipv4MTU floors
// the reported next-hop MTU on a Packet Too Big message: an input MTU of
// 0 (no MTU reported) yields the configured IPv4 MTU on output rather
// than a bogus zero.
func translateICMP6to4(icmp6 *layers.ICMPv6, ipv4MTU int) (gopacket.SerializableLayer, Result) {
	typ := icmp6.TypeCode.Type()
	code := icmp6.TypeCode.Code()
	out := &layers.ICMPv4{}

	switch typ {
	case icmp6EchoRequest, icmp6EchoReply:
		out.TypeCode = layers.CreateICMPv4TypeCode(icmp4EchoRequest, 0)
		if typ == icmp6EchoReply {
			out.TypeCode = layers.CreateICMPv4TypeCode(icmp4EchoReply, 0)
		}
		rest := uint32FromBytes(icmp6.TypeBytes)
		out.Id, out.Seq = uint16(rest>>16), uint16(rest)
		return out, ResultOK

	case icmp6DestinationUnreachable:
		switch code {
		case icmp6CodeNoRouteToDst, icmp6CodeAddressUnreachable:
			out.TypeCode = layers.CreateICMPv4TypeCode(icmp4DestinationUnreachable, icmp4CodeHost)
		case icmp6CodePortUnreachable:
			out.TypeCode = layers.CreateICMPv4TypeCode(icmp4DestinationUnreachable, icmp4CodePort)
		case icmp6CodeAdminProhibited:
			out.TypeCode = layers.CreateICMPv4TypeCode(icmp4DestinationUnreachable, icmp4CodeHostAdminProhibited)
		default:
			return nil, ResultNonTranslatable
		}
		return out, ResultOK

	case icmp6PacketTooBig:
		mtu := uint32FromBytes(icmp6.TypeBytes)
		if mtu > 20 {
			mtu -= 20
		}
		if mtu == 0 {
			mtu = uint32(ipv4MTU)
		}
		out.TypeCode = layers.CreateICMPv4TypeCode(icmp4DestinationUnreachable, icmp4CodeFragmentationNeeded)
		out.Seq = uint16(mtu)
		return out, ResultOK

	case icmp6TimeExceeded:
		out.TypeCode = layers.CreateICMPv4TypeCode(icmp4TimeExceeded, code)
		return out, ResultOK

	case icmp6ParameterProblem:
		if code == icmp6CodeUnrecognizedNextHeader {
			out.TypeCode = layers.CreateICMPv4TypeCode(icmp4DestinationUnreachable, icmp4CodeProtocol)
			return out, ResultOK
		}
		v6Pointer := uint32FromBytes(icmp6.TypeBytes)
		v4Pointer, ok := parameterProblemPointerV6toV4[v6Pointer]
		if !ok {
			return nil, ResultNonTranslatable
		}
		out.TypeCode = layers.CreateICMPv4TypeCode(icmp4ParameterProblem, 0)
		out.Id = uint16(v4Pointer) << 8
		return out, ResultOK

	default:
		return nil, ResultNonTranslatable
	}
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func uint32FromBytes(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// icmpv6Echo wraps an ICMPv6 echo message so the id/seq fields gopacket's
// ICMPv4 layer carries as dedicated struct fields serialize into
// ICMPv6's generic 4-byte TypeBytes slot.
type icmpv6Echo struct {
	*layers.ICMPv6
	typ     uint8
	id, seq uint16
}

func (e *icmpv6Echo) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	e.ICMPv6.TypeCode = layers.CreateICMPv6TypeCode(e.typ, 0)
	e.ICMPv6.TypeBytes = uint32Bytes(uint32(e.id)<<16 | uint32(e.seq))
	return e.ICMPv6.SerializeTo(b, opts)
}
