package topology

import (
	"fmt"
	"net"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/device"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipe"
)

const defaultPipeCapacity = 1024

// Wired is the fully built runtime topology: the device.Topology ready
// for Start/Stop, plus the flat list of workers in the index order their
// genconfig.CPConfig generation slots are addressed by.
type Wired struct {
	Topology *device.Topology
	Workers  []*device.Worker
	CPConfig *genconfig.CPConfig
}

// Wire builds devices, workers, and the connection pipe mesh from cfg
// (spec section 6 "Effects"): each workers[] entry becomes one
// device.Worker with one RX/TX queue; each connections[] entry allocates
// a pipe mesh sized max(|src.workers|, |dst.workers|). Pipe i is
// produced by source worker i mod |src.workers| and consumed by
// destination worker i mod |dst.workers|, so every pipe has exactly one
// producer and one consumer and every worker on either side has at least
// one pipe.
func Wire(cfg *Config, drv driver.Driver, counters *counter.Registry) (*Wired, error) {
	totalWorkers := 0
	for _, d := range cfg.Devices {
		totalWorkers += len(d.Workers)
	}
	cp := genconfig.NewCPConfig(totalWorkers)

	devices := make(map[int]*device.Device, len(cfg.Devices))
	byDevice := make(map[int][]*device.Worker, len(cfg.Devices))
	var allWorkers []*device.Worker
	nextIndex := 0

	for _, ds := range cfg.Devices {
		var mac net.HardwareAddr
		if ds.MACAddr != "" {
			parsed, err := net.ParseMAC(ds.MACAddr)
			if err != nil {
				return nil, fmt.Errorf("topology: device %d: invalid mac_addr %q: %w", ds.ID, ds.MACAddr, err)
			}
			mac = parsed
		}

		dev := device.New(device.ID(ds.ID), ds.PortName, ds.MTU, ds.MaxLROPacketSize, driver.RSSConfig(ds.RSSHash), mac, drv, counters)
		for qid, ws := range ds.Workers {
			w := device.NewWorker(ws.CoreID, qid, ws.RxQueueLen, ws.TxQueueLen, cp, counters)
			w.Index = nextIndex
			nextIndex++
			dev.AddWorker(w)
			byDevice[ds.ID] = append(byDevice[ds.ID], w)
			allWorkers = append(allWorkers, w)
		}
		devices[ds.ID] = dev
	}

	for _, conn := range cfg.Connections {
		srcWorkers := byDevice[conn.SrcDeviceID]
		dstWorkers := byDevice[conn.DstDeviceID]
		count := max(len(srcWorkers), len(dstWorkers))
		if count == 0 {
			continue
		}

		pipes := make([]*pipe.Pipe[*packet.Packet], count)
		for i := range pipes {
			pipes[i] = pipe.New[*packet.Packet](defaultPipeCapacity)
		}

		for j, sw := range srcWorkers {
			var own []*pipe.Pipe[*packet.Packet]
			for i := j; i < count; i += len(srcWorkers) {
				own = append(own, pipes[i])
			}
			sw.Write.Outgoing = append(sw.Write.Outgoing, &device.Connection{
				DestDeviceID: device.ID(conn.DstDeviceID),
				Pipes:        own,
			})
		}
		for k, dw := range dstWorkers {
			for i := k; i < count; i += len(dstWorkers) {
				dw.Write.Incoming = append(dw.Write.Incoming, pipes[i])
			}
		}
	}

	ordered := make([]*device.Device, 0, len(cfg.Devices))
	for _, ds := range cfg.Devices {
		ordered = append(ordered, devices[ds.ID])
	}

	return &Wired{
		Topology: &device.Topology{Devices: ordered},
		Workers:  allWorkers,
		CPConfig: cp,
	}, nil
}
