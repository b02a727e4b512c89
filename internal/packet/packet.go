// Package packet defines the thin envelope around a driver mbuf that flows
// through classification, pipeline dispatch, and the inter-worker data
// pipe (spec section 3 "Packet").
package packet

import "sync/atomic"

// L3Proto identifies the parsed network-layer protocol.
type L3Proto uint8

const (
	L3Unknown L3Proto = iota
	L3IPv4
	L3IPv6
)

// L4Proto identifies the parsed transport-layer protocol.
type L4Proto uint8

const (
	L4Unknown L4Proto = iota
	L4TCP
	L4UDP
	L4ICMP
	L4ICMPv6
)

// Headers records the byte offsets and types produced by parsing, so
// modules operate on slices of Data rather than re-walking the frame.
type Headers struct {
	L2Offset int
	L3Offset int
	L4Offset int
	PayloadOffset int

	VLAN    uint16 // 0 means untagged
	L3      L3Proto
	L4      L4Proto
}

// TxResult is the transport result code stamped by the driver-facing TX
// step (spec section 4.3 step 6): 0 means the driver accepted the packet,
// -1 that it rejected it; TxPending marks a packet not yet handed to the
// driver.
type TxResult int8

const (
	TxPending  TxResult = 1
	TxAccepted TxResult = 0
	TxRejected TxResult = -1
)

// Packet is the envelope carried through the worker loop. Data holds the
// raw frame bytes standing in for a driver mbuf; RefCount tracks how many
// holders (the owning worker, plus any worker the packet was steered to
// over a data pipe) still reference it, per the refcount-based release
// protocol in spec section 4.2 and 4.3.
type Packet struct {
	Data []byte

	refcount atomic.Int32

	RxDeviceID uint16
	TxDeviceID uint16

	Hash uint32 // 5-tuple hash, used for consistent hashing and pipe selection

	Headers Headers

	Pipeline     uint32 // pipeline reference filled by classification; ^uint32(0) means unresolved
	ModuleCursor int    // index of the next module to run in the resolved pipeline
	Result       TxResult

	next *Packet // intrusive singly-linked list link
}

// NoPipeline marks a packet that classification could not assign to any
// pipeline.
const NoPipeline = ^uint32(0)

// New returns a Packet with an initial refcount of 1, owned by the caller.
func New(data []byte) *Packet {
	p := &Packet{Data: data, Pipeline: NoPipeline, Result: TxPending}
	p.refcount.Store(1)
	return p
}

// Reset clears a Packet so it can be reused from a pool without stale
// classification or list-link state leaking into its next life.
func (p *Packet) Reset(data []byte) {
	p.Data = data
	p.RxDeviceID = 0
	p.TxDeviceID = 0
	p.Hash = 0
	p.Headers = Headers{}
	p.Pipeline = NoPipeline
	p.ModuleCursor = 0
	p.Result = TxPending
	p.next = nil
	p.refcount.Store(1)
}

// Hold adds a holder (e.g. the worker a packet is being steered to) and
// returns the new refcount.
func (p *Packet) Hold() int32 { return p.refcount.Add(1) }

// Release drops a holder and returns the new refcount.
func (p *Packet) Release() int32 { return p.refcount.Add(-1) }

// RefCount returns the current number of holders.
func (p *Packet) RefCount() int32 { return p.refcount.Load() }

// ReleasedByRemote reports whether a packet steered to another worker has
// had its remote hold released (refcount dropped back to 1), i.e. the
// receiver's TX has completed and the producer may reclaim its own hold.
func (p *Packet) ReleasedByRemote() bool { return p.refcount.Load() <= 1 }
