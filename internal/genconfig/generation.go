// Package genconfig implements the control-plane/data-plane handover
// described in spec section 4.5: the control plane builds an immutable
// cp_config_gen entirely before publishing it, workers observe the new
// generation only at the top of their loop, and a generation's module
// instances are released only once every worker has iterated at least
// twice since the swap.
package genconfig

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sakateka/yanet2/internal/pipeline"
)

// Generation is an immutable configuration snapshot, referenced by a
// monotonically increasing Gen counter (spec section 3
// "Configuration generation").
type Generation struct {
	Gen       uint64
	Instances map[string]*pipeline.Instance // "module/instance" -> resolved instance
	Pipelines map[string]*pipeline.Pipeline // pipeline name -> resolved stage list
	Devices   map[int]string                // device id -> pipeline name
}

// PipelineFor returns the pipeline assigned to deviceID in this
// generation, or false if the device has none (spec section 4.3 step 3:
// "Packets with no matching pipeline are routed to the drop list").
func (g *Generation) PipelineFor(deviceID int) (*pipeline.Pipeline, bool) {
	name, ok := g.Devices[deviceID]
	if !ok {
		return nil, false
	}
	p, ok := g.Pipelines[name]
	return p, ok
}

// InstanceKey builds the "module/instance" key used throughout this
// package and in raw configuration maps.
func InstanceKey(moduleName, instanceName string) string {
	return moduleName + "/" + instanceName
}

func splitInstanceKey(key string) (module, instance string, err error) {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return "", "", fmt.Errorf("genconfig: malformed instance key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// CPConfig holds the currently published Generation and the per-worker
// last-observed generation numbers used to decide when a superseded
// generation is safe to release.
type CPConfig struct {
	current    atomic.Pointer[Generation]
	workerGens []*atomic.Uint64
}

// NewCPConfig creates a CPConfig for a dataplane with numWorkers workers.
// Each worker is expected to store its current generation number into the
// slot returned by WorkerGenSlot at the top of every loop iteration (spec
// section 4.3 step 1).
func NewCPConfig(numWorkers int) *CPConfig {
	slots := make([]*atomic.Uint64, numWorkers)
	for i := range slots {
		slots[i] = new(atomic.Uint64)
	}
	return &CPConfig{workerGens: slots}
}

// WorkerGenSlot returns the generation-number slot owned by worker i.
func (c *CPConfig) WorkerGenSlot(i int) *atomic.Uint64 { return c.workerGens[i] }

// Current returns the currently published Generation, or nil before the
// first Publish.
func (c *CPConfig) Current() *Generation { return c.current.Load() }

// Publish stores g as the current generation with release ordering and
// returns the generation it replaced (nil on the first publish).
func (c *CPConfig) Publish(g *Generation) *Generation {
	return c.current.Swap(g)
}

// Quiesced reports whether every worker has observed a generation number
// at least gen, i.e. has completed at least one full iteration since gen
// was published. Spec section 4.5 step 4 requires waiting for at least
// two such iterations before releasing gen's predecessor's instances;
// callers should poll Quiesced after observing it true once, then again
// one iteration later, before calling Release.
func (c *CPConfig) Quiesced(gen uint64) bool {
	for _, slot := range c.workerGens {
		if slot.Load() < gen {
			return false
		}
	}
	return true
}

// Release decrements the reference count of every instance in g and, for
// any instance whose count reaches zero, closes its configuration if it
// implements io.Closer (e.g. to return arena blocks via a module's own
// context). Release must only be called once Quiesced has been observed
// true for g.Gen's successor for at least two iterations.
func Release(g *Generation) {
	if g == nil {
		return
	}
	for _, inst := range g.Instances {
		if inst.RefCount.Add(-1) == 0 {
			if c, ok := inst.Config.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}
}
