package pipeline

import (
	"fmt"

	"github.com/sakateka/yanet2/internal/packet"
)

// InstanceRef names one (module, instance) pair inside a Pipeline, exactly
// as spec section 3 describes the pipeline registry's entries.
type InstanceRef struct {
	ModuleName   string
	InstanceName string
}

// Pipeline is an ordered list of module instance references, resolved
// against a module registry into concrete Instances.
type Pipeline struct {
	Name  string
	Stages []*Instance
}

// Resolve builds a Pipeline by looking up each ref's instance in
// instances (keyed by "module/instance", the same key genconfig uses when
// it builds a generation's module registry).
func Resolve(name string, refs []InstanceRef, instances map[string]*Instance) (*Pipeline, error) {
	p := &Pipeline{Name: name, Stages: make([]*Instance, 0, len(refs))}
	for _, ref := range refs {
		key := ref.ModuleName + "/" + ref.InstanceName
		inst, ok := instances[key]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: no instance %q configured for module %q", name, ref.InstanceName, ref.ModuleName)
		}
		p.Stages = append(p.Stages, inst)
	}
	return p, nil
}

// Dispatch runs front through every stage of p per the protocol in spec
// section 4.4: each stage consumes the previous stage's Output, files
// every packet into exactly one of Output/Drop/Bypass, and Bypass exits
// the pipeline immediately rather than being re-offered to later stages.
// Once every stage has run, Bypass is folded into Output, since bypassed
// packets are "treated as worker-level output" from here on.
func Dispatch(p *Pipeline, ctx *Context, front *packet.Front) {
	for _, inst := range p.Stages {
		front.Advance()
		if front.Input.Empty() {
			break
		}
		inst.Module.Handler.Handle(ctx, inst.Config, front)
	}
	front.Output.Concat(&front.Bypass)
}
