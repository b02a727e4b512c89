package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/driver"
)

func validConfig() *Config {
	return &Config{
		Storage:  "/dev/shm/yanet2",
		LogLevel: LogInfo,
		Devices: []DeviceSpec{
			{ID: 0, PortName: "virtio_user_0", MTU: 1500, Workers: []WorkerSpec{{CoreID: 0, RxQueueLen: 64, TxQueueLen: 64}}},
			{ID: 1, PortName: "virtio_user_1", MTU: 1500, Workers: []WorkerSpec{{CoreID: 1, RxQueueLen: 64, TxQueueLen: 64}, {CoreID: 2, RxQueueLen: 64, TxQueueLen: 64}}},
		},
		Connections: []ConnectionSpec{{SrcDeviceID: 0, DstDeviceID: 1}},
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := &Config{
		LogLevel: "bogus",
		Devices: []DeviceSpec{
			{ID: 0, MTU: 0},
			{ID: 0, PortName: "dup", MTU: 1500, Workers: []WorkerSpec{{}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage")
	require.Contains(t, err.Error(), "loglevel")
	require.Contains(t, err.Error(), "duplicate id")
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestWireBuildsPipeMeshSizedToLargerSide(t *testing.T) {
	cfg := validConfig()
	drv := driver.NewLoopback()
	counters := counter.NewRegistry()

	wired, err := Wire(cfg, drv, counters)
	require.NoError(t, err)
	require.Len(t, wired.Workers, 3)
	require.Len(t, wired.Topology.Devices, 2)

	dev0 := wired.Topology.Devices[0]
	require.Len(t, dev0.Workers, 1)
	conn, ok := dev0.Workers[0].OutgoingFor(1)
	require.True(t, ok)
	require.Len(t, conn.Pipes, 2, "pipe count must be max(|src.workers|, |dst.workers|) = max(1,2)")

	dev1 := wired.Topology.Devices[1]
	for _, w := range dev1.Workers {
		require.Len(t, w.Write.Incoming, 1, "each of the 2 pipes has exactly one consuming dev1 worker")
	}
}

func TestWireRejectsBadMAC(t *testing.T) {
	cfg := validConfig()
	cfg.Devices[0].MACAddr = "not-a-mac"
	_, err := Wire(cfg, driver.NewLoopback(), counter.NewRegistry())
	require.Error(t, err)
}
