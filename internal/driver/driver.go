// Package driver defines the narrow poll-mode-driver surface the
// dataplane core consumes (spec section 6 "Driver interface") and a
// software reference implementation backed by raw AF_PACKET sockets, so
// the core is runnable without a real NIC or DPDK.
package driver

import "github.com/sakateka/yanet2/internal/packet"

// PortID identifies a driver port returned by PortInit.
type PortID uint16

// RSSConfig carries the RSS hash-function bitmask requested for a port.
type RSSConfig uint32

// Pool is an opaque mempool handle returned by MempoolCreate.
type Pool struct {
	Name string
	Size int
	NUMA int
}

// Driver is the synchronous, non-suspending surface spec section 6
// requires of a poll-mode driver: port lifecycle, queue setup, and
// burst rx/tx. Every method must return promptly — the worker loop is a
// busy-poll with no suspension points (spec section 5 "Suspension
// points").
type Driver interface {
	PortInit(name string, rss RSSConfig, rxQueues, txQueues int, mtu, maxLRO int) (PortID, error)
	PortStart(port PortID) error
	PortStop(port PortID) error

	RxQueueSetup(port PortID, queue int, length int) error
	TxQueueSetup(port PortID, queue int, length int) error

	// BurstRx fills buf with up to len(buf) received packets and
	// returns the number actually received.
	BurstRx(port PortID, queue int, buf []*packet.Packet) (int, error)
	// BurstTx transmits up to len(buf) packets and returns the number
	// the driver accepted; the caller must free or requeue the rest.
	BurstTx(port PortID, queue int, buf []*packet.Packet) (int, error)

	MempoolCreate(name string, size int, numa int) (*Pool, error)

	// MbufRefcntUpdate adjusts a driver-owned mbuf's refcount by delta
	// and returns the result, mirroring packet.Packet.Hold/Release for
	// envelopes whose underlying buffer is driver-managed.
	MbufRefcntUpdate(p *packet.Packet, delta int32) int32
	MbufRefcntRead(p *packet.Packet) int32
	PktmbufFree(p *packet.Packet)
}
