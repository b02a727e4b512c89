package genconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/pipeline"
)

func TestPublishAndQuiescence(t *testing.T) {
	cp := NewCPConfig(3)

	g1 := &Generation{Gen: 1}
	prev := cp.Publish(g1)
	require.Nil(t, prev)
	require.Equal(t, g1, cp.Current())

	require.False(t, cp.Quiesced(1), "no worker has observed gen 1 yet")

	for i := 0; i < 3; i++ {
		cp.WorkerGenSlot(i).Store(1)
	}
	require.True(t, cp.Quiesced(1))

	g2 := &Generation{Gen: 2}
	prev = cp.Publish(g2)
	require.Equal(t, g1, prev)
	require.False(t, cp.Quiesced(2))

	cp.WorkerGenSlot(0).Store(2)
	cp.WorkerGenSlot(1).Store(2)
	require.False(t, cp.Quiesced(2), "worker 2 has not observed gen 2 yet")

	cp.WorkerGenSlot(2).Store(2)
	require.True(t, cp.Quiesced(2))
}

func TestMonotonicWorkerObservations(t *testing.T) {
	cp := NewCPConfig(1)
	slot := cp.WorkerGenSlot(0)

	observed := make([]uint64, 0, 4)
	for gen := uint64(1); gen <= 4; gen++ {
		cp.Publish(&Generation{Gen: gen})
		slot.Store(gen)
		observed = append(observed, slot.Load())
	}
	for i := 1; i < len(observed); i++ {
		require.LessOrEqual(t, observed[i-1], observed[i])
	}
}

type closeRecorder struct{ closed bool }

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestReleaseClosesAtZeroRefcount(t *testing.T) {
	cfg := &closeRecorder{}
	inst := &pipeline.Instance{Module: &pipeline.Module{Name: "m"}, InstanceName: "a", Config: cfg}
	inst.RefCount.Store(2)

	g := &Generation{Gen: 1, Instances: map[string]*pipeline.Instance{"m/a": inst}}

	Release(g)
	require.False(t, cfg.closed, "two generations still reference the instance")
	require.Equal(t, int32(1), inst.RefCount.Load())

	Release(g)
	require.True(t, cfg.closed)
}
