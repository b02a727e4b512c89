package driver

import (
	"fmt"
	"sync"

	"github.com/sakateka/yanet2/internal/packet"
)

// Loopback is a software Driver backed by in-memory per-queue ring
// channels instead of a NIC. It satisfies the full Driver surface so the
// core worker loop, pipeline dispatch, and module chain are exercisable
// and testable without DPDK or root privileges; a production deployment
// swaps it for a real poll-mode driver shim (spec section 1 Non-goals:
// "the poll-mode driver shim... is out of scope").
type Loopback struct {
	mu    sync.Mutex
	ports map[PortID]*loopbackPort
	next  PortID
}

type loopbackQueue struct {
	rx chan *packet.Packet
}

type loopbackPort struct {
	name    string
	started bool
	rx      []*loopbackQueue
	tx      []*loopbackQueue
}

// NewLoopback creates an empty Loopback driver.
func NewLoopback() *Loopback {
	return &Loopback{ports: make(map[PortID]*loopbackPort)}
}

func (l *Loopback) PortInit(name string, rss RSSConfig, rxQueues, txQueues int, mtu, maxLRO int) (PortID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	l.ports[id] = &loopbackPort{name: name}
	return id, nil
}

func (l *Loopback) port(id PortID) (*loopbackPort, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.ports[id]
	if !ok {
		return nil, fmt.Errorf("driver: unknown port %d", id)
	}
	return p, nil
}

func (l *Loopback) PortStart(id PortID) error {
	p, err := l.port(id)
	if err != nil {
		return err
	}
	p.started = true
	return nil
}

func (l *Loopback) PortStop(id PortID) error {
	p, err := l.port(id)
	if err != nil {
		return err
	}
	p.started = false
	return nil
}

func (l *Loopback) RxQueueSetup(id PortID, queue int, length int) error {
	p, err := l.port(id)
	if err != nil {
		return err
	}
	for len(p.rx) <= queue {
		p.rx = append(p.rx, nil)
	}
	p.rx[queue] = &loopbackQueue{rx: make(chan *packet.Packet, length)}
	return nil
}

func (l *Loopback) TxQueueSetup(id PortID, queue int, length int) error {
	p, err := l.port(id)
	if err != nil {
		return err
	}
	for len(p.tx) <= queue {
		p.tx = append(p.tx, nil)
	}
	p.tx[queue] = &loopbackQueue{rx: make(chan *packet.Packet, length)}
	return nil
}

// Inject places a packet into the named port/queue's RX ring, standing
// in for an arriving frame on the wire; used by tests.
func (l *Loopback) Inject(id PortID, queue int, p *packet.Packet) bool {
	port, err := l.port(id)
	if err != nil || queue >= len(port.rx) || port.rx[queue] == nil {
		return false
	}
	select {
	case port.rx[queue].rx <- p:
		return true
	default:
		return false
	}
}

func (l *Loopback) BurstRx(id PortID, queue int, buf []*packet.Packet) (int, error) {
	port, err := l.port(id)
	if err != nil {
		return 0, err
	}
	if queue >= len(port.rx) || port.rx[queue] == nil {
		return 0, fmt.Errorf("driver: rx queue %d not set up on port %d", queue, id)
	}
	n := 0
	for n < len(buf) {
		select {
		case p := <-port.rx[queue].rx:
			buf[n] = p
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (l *Loopback) BurstTx(id PortID, queue int, buf []*packet.Packet) (int, error) {
	port, err := l.port(id)
	if err != nil {
		return 0, err
	}
	if queue >= len(port.tx) || port.tx[queue] == nil {
		return 0, fmt.Errorf("driver: tx queue %d not set up on port %d", queue, id)
	}
	n := 0
	for _, p := range buf {
		select {
		case port.tx[queue].rx <- p:
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Sent drains everything queued by BurstTx on a port/queue, letting
// tests assert on what the driver transmitted.
func (l *Loopback) Sent(id PortID, queue int) []*packet.Packet {
	port, err := l.port(id)
	if err != nil || queue >= len(port.tx) || port.tx[queue] == nil {
		return nil
	}
	var out []*packet.Packet
	for {
		select {
		case p := <-port.tx[queue].rx:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (l *Loopback) MempoolCreate(name string, size int, numa int) (*Pool, error) {
	return &Pool{Name: name, Size: size, NUMA: numa}, nil
}

func (l *Loopback) MbufRefcntUpdate(p *packet.Packet, delta int32) int32 {
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

func (l *Loopback) MbufRefcntRead(p *packet.Packet) int32 { return p.RefCount() }

func (l *Loopback) PktmbufFree(p *packet.Packet) {}
