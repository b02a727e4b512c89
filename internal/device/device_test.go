package device

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
)

func TestDeviceInitSetsUpQueuesPerWorker(t *testing.T) {
	drv := driver.NewLoopback()
	counters := counter.NewRegistry()
	cp := genconfig.NewCPConfig(2)

	d := New(0, "virtio_user_0", 1500, 1500, 0, nil, drv, counters)
	d.AddWorker(NewWorker(0, 0, 64, 64, cp, counters))
	d.AddWorker(NewWorker(1, 1, 64, 64, cp, counters))

	require.NoError(t, d.Init())
	require.False(t, d.Failed())
	for _, w := range d.Workers {
		require.Same(t, d, w.Device)
	}
}

type failingDriver struct{ driver.Driver }

func (f failingDriver) PortInit(name string, rss driver.RSSConfig, rxQueues, txQueues, mtu, maxLRO int) (driver.PortID, error) {
	return 0, fmt.Errorf("simulated port init failure")
}

func TestDeviceInitFailureMarksDeviceFailed(t *testing.T) {
	counters := counter.NewRegistry()
	d := New(0, "virtio_user_0", 1500, 1500, 0, nil, failingDriver{driver.NewLoopback()}, counters)
	d.AddWorker(NewWorker(0, 0, 64, 64, nil, counters))

	err := d.Init()
	require.Error(t, err)
	require.True(t, d.Failed())
}

func TestTopologyStartStopOrder(t *testing.T) {
	drv := driver.NewLoopback()
	counters := counter.NewRegistry()
	cp := genconfig.NewCPConfig(1)

	d0 := New(0, "virtio_user_0", 1500, 1500, 0, nil, drv, counters)
	d0.AddWorker(NewWorker(0, 0, 64, 64, cp, counters))
	d1 := New(1, "virtio_user_1", 1500, 1500, 0, nil, drv, counters)
	d1.AddWorker(NewWorker(0, 0, 64, 64, cp, counters))

	topo := &Topology{Devices: []*Device{d0, d1}}

	var order []ID
	require.NoError(t, topo.Start(func(w *Worker) error {
		order = append(order, w.DeviceID)
		return nil
	}))
	require.Equal(t, []ID{0, 1}, order)

	order = nil
	require.NoError(t, topo.Stop(func(w *Worker) error {
		order = append(order, w.DeviceID)
		return nil
	}))
	require.Equal(t, []ID{1, 0}, order, "stop must run in reverse device order")
}
