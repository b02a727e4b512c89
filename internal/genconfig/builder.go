package genconfig

import (
	"fmt"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/pipeline"
)

// RawInstance is one module instance as it arrives from the modules
// document (spec section 6 "Configuration sources"): a module name, an
// instance name, and the module-specific raw configuration bytes (the
// instance's config sub-document re-encoded as JSON by Document.Resolve)
// that the module's ConfigHandler is responsible for decoding.
type RawInstance struct {
	ModuleName   string
	InstanceName string
	Raw          []byte
}

// RawPipeline names a pipeline as an ordered list of instance
// references, plus the device ids it is assigned to.
type RawPipeline struct {
	Name      string
	Refs      []pipeline.InstanceRef
	DeviceIDs []int
}

// Builder constructs successive Generations, reusing module instances
// whose ConfigHandler reports no change from the previous build (spec
// section 4.4: "it owns diffing the raw bytes against old_cfg and may
// return the existing instance unchanged if identical") and bumping
// pipeline.Instance.RefCount for every generation that references an
// instance, so Release can free it once no generation does anymore.
type Builder struct {
	registry *pipeline.Registry
	counters *counter.Registry
	prev     map[string]*pipeline.Instance
	nextGen  uint64
}

// NewBuilder creates a Builder that resolves module names against
// registry and reserves counter blocks via counters.
func NewBuilder(registry *pipeline.Registry, counters *counter.Registry) *Builder {
	return &Builder{
		registry: registry,
		counters: counters,
		prev:     make(map[string]*pipeline.Instance),
	}
}

// Build resolves raw into a new Generation. Instances present in the
// previous build are reused (and their RefCount incremented) whenever
// the module's ConfigHandler reports the configuration unchanged;
// everything else is built fresh with RefCount starting at 1.
func (b *Builder) Build(raw []RawInstance, pipelines []RawPipeline, devices map[int]string) (*Generation, error) {
	instances := make(map[string]*pipeline.Instance, len(raw))

	for _, ri := range raw {
		mod, err := b.registry.Lookup(ri.ModuleName)
		if err != nil {
			return nil, err
		}

		key := InstanceKey(ri.ModuleName, ri.InstanceName)
		old := b.prev[key]

		var oldCfg any
		if old != nil {
			oldCfg = old.Config
		}

		var cfg any
		if mod.ConfigHandler != nil {
			cfg, err = mod.ConfigHandler(ri.InstanceName, ri.Raw, oldCfg)
			if err != nil {
				return nil, fmt.Errorf("genconfig: building %q: %w", key, err)
			}
		}

		if old != nil && cfg == old.Config {
			old.RefCount.Add(1)
			instances[key] = old
			continue
		}

		inst := &pipeline.Instance{
			Module:       mod,
			InstanceName: ri.InstanceName,
			Config:       cfg,
			CounterBlock: b.counters.Register(key, 1),
		}
		inst.RefCount.Store(1)
		instances[key] = inst
	}

	resolved := make(map[string]*pipeline.Pipeline, len(pipelines))
	deviceMap := make(map[int]string, len(devices))
	for id, name := range devices {
		deviceMap[id] = name
	}

	for _, rp := range pipelines {
		p, err := pipeline.Resolve(rp.Name, rp.Refs, instances)
		if err != nil {
			return nil, err
		}
		resolved[rp.Name] = p
		for _, id := range rp.DeviceIDs {
			deviceMap[id] = rp.Name
		}
	}

	b.nextGen++
	b.prev = instances

	return &Generation{
		Gen:       b.nextGen,
		Instances: instances,
		Pipelines: resolved,
		Devices:   deviceMap,
	}, nil
}
