// Package device models the device/worker topology described in spec
// section 3 "Device" and "Worker": a device owns a set of workers, each
// bound to one RX/TX queue pair, and is started and stopped as a unit.
package device

import (
	"fmt"
	"net"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
	"github.com/sakateka/yanet2/internal/pipe"
	"github.com/sakateka/yanet2/internal/packet"
)

// ID identifies a device within a topology.
type ID uint16

// Device owns a port, its MAC/MTU/RSS/LRO parameters, and the set of
// workers reading and writing its queues (spec section 3 "Device":
// "Owns: port name, MAC, MTU, RSS hash key, max LRO size, an array of
// Workers, and a device-scoped counter block").
type Device struct {
	ID           ID
	PortName     string
	PortID       driver.PortID
	MAC          net.HardwareAddr
	MTU          int
	MaxLRO       int
	RSS          driver.RSSConfig
	Workers      []*Worker
	CounterBlock counter.ID

	driver driver.Driver
	failed bool
}

// New constructs a Device bound to drv (not yet initialized against the
// driver — call Init to open the port).
func New(id ID, portName string, mtu, maxLRO int, rss driver.RSSConfig, mac net.HardwareAddr, drv driver.Driver, counters *counter.Registry) *Device {
	return &Device{
		ID:           id,
		PortName:     portName,
		MAC:          mac,
		MTU:          mtu,
		MaxLRO:       maxLRO,
		RSS:          rss,
		driver:       drv,
		CounterBlock: counters.Register(fmt.Sprintf("device.%d", id), 4),
	}
}

// Init opens the device's port and sets up one RX and one TX queue per
// worker (spec section 6: "each workers[] entry creates one worker
// thread pinned to core_id with one RX and one TX queue on the
// device"). Failure marks the device failed and aborts startup, per the
// spec section 7 error table entry for driver init failures.
func (d *Device) Init() error {
	portID, err := d.driver.PortInit(d.PortName, d.RSS, len(d.Workers), len(d.Workers), d.MTU, d.MaxLRO)
	if err != nil {
		d.failed = true
		return fmt.Errorf("device %d: port init %q: %w", d.ID, d.PortName, err)
	}
	d.PortID = portID

	for _, w := range d.Workers {
		if err := d.driver.RxQueueSetup(portID, w.QueueID, w.RxQueueLen); err != nil {
			d.failed = true
			return fmt.Errorf("device %d: rx queue %d setup: %w", d.ID, w.QueueID, err)
		}
		if err := d.driver.TxQueueSetup(portID, w.QueueID, w.TxQueueLen); err != nil {
			d.failed = true
			return fmt.Errorf("device %d: tx queue %d setup: %w", d.ID, w.QueueID, err)
		}
		w.Device = d
	}
	return nil
}

// Failed reports whether initialization of this device failed.
func (d *Device) Failed() bool { return d.failed }

// AddWorker appends a worker to the device before Init is called.
func (d *Device) AddWorker(w *Worker) {
	w.DeviceID = d.ID
	d.Workers = append(d.Workers, w)
}

// Worker is identified by (device_id, queue_id) and owns everything a
// worker thread touches exclusively (spec section 3 "Worker"): its read
// and write contexts, pending list, and per-worker counters. Field
// access outside the owning goroutine is limited to the generation slot
// CPConfig.WorkerGenSlot(Index) and the counter storage, per the invariant in spec section
// 3: "a worker is mutated only by its own thread except for counter
// reads and configuration-generation reads".
type Worker struct {
	DeviceID   ID
	QueueID    int
	CoreID     int
	RxQueueLen int
	TxQueueLen int

	Device *Device

	CPConfig *genconfig.CPConfig
	Index    int // position in the dataplane-wide worker slice; indexes CPConfig's gen slots

	Read  ReadContext
	Write WriteContext

	Pending  packet.List
	Counters *counter.Storage
}

// ReadContext bounds how many packets a worker asks the driver for per
// RX burst (spec section 4.3 step 2, default 32).
type ReadContext struct {
	BurstSize int
}

// Connection is one outgoing data pipe to a destination device, one of
// possibly several forming that device's pipe mesh (spec section 6:
// "pipe count = max(|src.workers|, |dst.workers|)").
type Connection struct {
	DestDeviceID ID
	Pipes        []*pipe.Pipe[*packet.Packet]
}

// WriteContext bounds TX burst size and holds the outgoing connections
// (by destination device) and incoming pipes a worker drains every
// iteration (spec section 4.3 steps 5-6).
type WriteContext struct {
	BurstSize int
	Outgoing  []*Connection
	Incoming  []*pipe.Pipe[*packet.Packet]
}

// OutgoingFor returns the Connection to destDevice, if the topology
// wired one.
func (w *Worker) OutgoingFor(destDevice ID) (*Connection, bool) {
	for _, c := range w.Write.Outgoing {
		if c.DestDeviceID == destDevice {
			return c, true
		}
	}
	return nil, false
}

const defaultReadBurst = 32
const defaultWriteBurst = 32

// NewWorker constructs a Worker with the spec's default burst sizes.
func NewWorker(coreID, queueID, rxLen, txLen int, cp *genconfig.CPConfig, counters *counter.Registry) *Worker {
	return &Worker{
		CoreID:     coreID,
		QueueID:    queueID,
		RxQueueLen: rxLen,
		TxQueueLen: txLen,
		CPConfig:   cp,
		Read:       ReadContext{BurstSize: defaultReadBurst},
		Write:      WriteContext{BurstSize: defaultWriteBurst},
		Counters:   counter.NewStorage(counters),
	}
}
