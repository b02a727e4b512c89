package dataplane

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/device"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func passthroughModule() *pipeline.Module {
	return &pipeline.Module{
		Name: "forward",
		Handler: pipeline.HandlerFunc(func(ctx *pipeline.Context, instance any, front *packet.Front) {
			for {
				p := front.Input.PopFront()
				if p == nil {
					break
				}
				front.Output.PushBack(p)
			}
		}),
	}
}

func TestIterateLocalForward(t *testing.T) {
	drv := driver.NewLoopback()
	counters := counter.NewRegistry()
	cp := genconfig.NewCPConfig(1)

	dev := device.New(0, "virtio_user_0", 1500, 1500, 0, nil, drv, counters)
	dw := device.NewWorker(0, 0, 64, 64, cp, counters)
	dw.Index = 0
	dev.AddWorker(dw)
	require.NoError(t, dev.Init())

	mod := passthroughModule()
	inst := &pipeline.Instance{Module: mod, InstanceName: "default"}
	inst.RefCount.Store(1)
	pl, err := pipeline.Resolve("p0", []pipeline.InstanceRef{{ModuleName: "forward", InstanceName: "default"}},
		map[string]*pipeline.Instance{"forward/default": inst})
	require.NoError(t, err)

	gen := &genconfig.Generation{
		Gen:       1,
		Instances: map[string]*pipeline.Instance{"forward/default": inst},
		Pipelines: map[string]*pipeline.Pipeline{"p0": pl},
		Devices:   map[int]string{0: "p0"},
	}
	cp.Publish(gen)

	w := NewWorker(discardLogger(), dw, drv, counters)

	data := buildUDPFrame(t)
	require.True(t, drv.Inject(dev.PortID, 0, packet.New(data)))

	rxbuf := make([]*packet.Packet, dw.Read.BurstSize)
	w.iterate(rxbuf)

	sent := drv.Sent(dev.PortID, 0)
	require.Len(t, sent, 1)
	require.Equal(t, data, sent[0].Data)
}

func TestIterateDropsUnroutedDevice(t *testing.T) {
	drv := driver.NewLoopback()
	counters := counter.NewRegistry()
	cp := genconfig.NewCPConfig(1)

	dev := device.New(0, "virtio_user_0", 1500, 1500, 0, nil, drv, counters)
	dw := device.NewWorker(0, 0, 64, 64, cp, counters)
	dw.Index = 0
	dev.AddWorker(dw)
	require.NoError(t, dev.Init())

	cp.Publish(&genconfig.Generation{Gen: 1, Devices: map[int]string{}})

	w := NewWorker(discardLogger(), dw, drv, counters)
	require.True(t, drv.Inject(dev.PortID, 0, packet.New(buildUDPFrame(t))))

	rxbuf := make([]*packet.Packet, dw.Read.BurstSize)
	w.iterate(rxbuf)

	require.Empty(t, drv.Sent(dev.PortID, 0))
}
