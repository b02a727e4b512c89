package balancer

import "time"

// Timeouts holds the per-protocol/flag-class session timeouts spec
// section 4.6 names: "TCP SYN -> tcp_syn_timeout; TCP SYN+ACK ->
// tcp_syn_ack_timeout; TCP FIN -> tcp_fin_timeout; TCP established ->
// tcp_timeout; UDP -> udp_timeout; other -> default_timeout."
type Timeouts struct {
	TCPSyn        time.Duration
	TCPSynAck     time.Duration
	TCPFin        time.Duration
	TCPEstablished time.Duration
	UDP           time.Duration
	Default       time.Duration
}

// DefaultTimeouts returns conservative defaults loosely modeled on
// common L4 load balancer practice: short-lived handshake states, a
// longer steady-state TCP timeout, and a short UDP pseudo-session.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TCPSyn:         5 * time.Second,
		TCPSynAck:      5 * time.Second,
		TCPFin:         30 * time.Second,
		TCPEstablished: 10 * time.Minute,
		UDP:            30 * time.Second,
		Default:        30 * time.Second,
	}
}

// TCPFlags is the subset of a parsed TCP header's control bits the
// timeout and reschedule policy needs.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// timeoutFor selects the session timeout for a packet, per spec section
// 4.6's timeout-by-protocol table.
func (t Timeouts) timeoutFor(proto Proto, flags TCPFlags) time.Duration {
	if proto != ProtoTCP {
		if proto == ProtoUDP {
			return t.UDP
		}
		return t.Default
	}
	switch {
	case flags.SYN && flags.ACK:
		return t.TCPSynAck
	case flags.SYN:
		return t.TCPSyn
	case flags.FIN:
		return t.TCPFin
	default:
		return t.TCPEstablished
	}
}

// reschedulable reports whether a session-miss-on-disabled-real packet
// may pick a new real rather than being dropped (spec section 4.6:
// "Hit with a disabled real and the packet is reschedulable (UDP, or TCP
// SYN without ACK/RST) -> re-schedule").
func reschedulable(proto Proto, flags TCPFlags) bool {
	if proto == ProtoUDP {
		return true
	}
	return flags.SYN && !flags.ACK && !flags.RST
}
