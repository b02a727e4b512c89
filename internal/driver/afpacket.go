//go:build linux

package driver

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sakateka/yanet2/internal/packet"
)

// AFPacket is a Driver implementation over raw AF_PACKET sockets, one per
// port, in the style of the raw-socket plumbing doublezerod's uping
// sender uses for ICMP (unix.Socket/Sendto/Recvfrom, MSG_DONTWAIT instead
// of blocking reads, so BurstRx never suspends per spec section 6's
// "synchronous and may not suspend"). It is the closest stand-in for a
// real NIC this repo ships; a DPDK-class poll-mode driver remains an
// external collaborator per spec section 1 Non-goals.
type AFPacket struct {
	mu    sync.Mutex
	ports map[PortID]*afPort
	next  PortID
}

type afPort struct {
	name    string
	ifindex int
	fd      int
	mtu     int
	started bool
}

// NewAFPacket creates an empty AF_PACKET-backed driver.
func NewAFPacket() *AFPacket {
	return &AFPacket{ports: make(map[PortID]*afPort)}
}

func (d *AFPacket) PortInit(name string, rss RSSConfig, rxQueues, txQueues int, mtu, maxLRO int) (PortID, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("driver: resolve interface %q: %w", name, err)
	}
	iface := ifi.Index

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return 0, fmt.Errorf("driver: open AF_PACKET socket for %q: %w", name, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("driver: bind AF_PACKET socket to %q: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.ports[id] = &afPort{name: name, ifindex: iface, fd: fd, mtu: mtu}
	return id, nil
}

func (d *AFPacket) port(id PortID) (*afPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[id]
	if !ok {
		return nil, fmt.Errorf("driver: unknown port %d", id)
	}
	return p, nil
}

func (d *AFPacket) PortStart(id PortID) error {
	p, err := d.port(id)
	if err != nil {
		return err
	}
	p.started = true
	return nil
}

func (d *AFPacket) PortStop(id PortID) error {
	p, err := d.port(id)
	if err != nil {
		return err
	}
	p.started = false
	return unix.Close(p.fd)
}

// RxQueueSetup and TxQueueSetup are no-ops: a raw AF_PACKET socket has a
// single kernel-managed queue, unlike a NIC's per-queue RSS rings.
func (d *AFPacket) RxQueueSetup(id PortID, queue int, length int) error { return nil }
func (d *AFPacket) TxQueueSetup(id PortID, queue int, length int) error { return nil }

func (d *AFPacket) BurstRx(id PortID, queue int, buf []*packet.Packet) (int, error) {
	p, err := d.port(id)
	if err != nil {
		return 0, err
	}

	n := 0
	frame := make([]byte, p.mtu+14) // +Ethernet header
	for n < len(buf) {
		nread, _, err := unix.Recvfrom(p.fd, frame, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return n, fmt.Errorf("driver: recvfrom on %q: %w", p.name, err)
		}
		data := make([]byte, nread)
		copy(data, frame[:nread])
		buf[n] = packet.New(data)
		n++
	}
	return n, nil
}

func (d *AFPacket) BurstTx(id PortID, queue int, buf []*packet.Packet) (int, error) {
	p, err := d.port(id)
	if err != nil {
		return 0, err
	}

	dst := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: p.ifindex}
	n := 0
	for _, pkt := range buf {
		if err := unix.Sendto(p.fd, pkt.Data, 0, dst); err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return n, fmt.Errorf("driver: sendto on %q: %w", p.name, err)
		}
		n++
	}
	return n, nil
}

func (d *AFPacket) MempoolCreate(name string, size int, numa int) (*Pool, error) {
	return &Pool{Name: name, Size: size, NUMA: numa}, nil
}

func (d *AFPacket) MbufRefcntUpdate(p *packet.Packet, delta int32) int32 {
	if delta >= 0 {
		for i := int32(0); i < delta; i++ {
			p.Hold()
		}
		return p.RefCount()
	}
	for i := int32(0); i < -delta; i++ {
		p.Release()
	}
	return p.RefCount()
}

func (d *AFPacket) MbufRefcntRead(p *packet.Packet) int32 { return p.RefCount() }

func (d *AFPacket) PktmbufFree(p *packet.Packet) {}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
