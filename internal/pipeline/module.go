// Package pipeline implements the module ABI and packet-front dispatch
// protocol described in spec section 4.4: a pipeline is an ordered list of
// (module name, instance name) references; each module consumes every
// packet from its input, filing it into exactly one of output, drop, or
// bypass.
package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
)

// Context is the read-only, per-invocation state handed to a module
// handler: which worker is running it and where to address its counters.
// It deliberately carries no pointer back into the control-plane
// configuration graph — none of the modules in this repo need
// cross-module state, so the ABI stays narrow (see DESIGN.md).
type Context struct {
	WorkerIndex int
	Counters    *counter.Storage
}

// Handler is the module ABI entry point (spec section 4.4): it must
// consume every packet in front.Input, placing each one in exactly one of
// front.Output, front.Drop, or front.Bypass, and may append newly created
// packets to front.Output.
type Handler interface {
	Handle(ctx *Context, instance any, front *packet.Front)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx *Context, instance any, front *packet.Front)

func (f HandlerFunc) Handle(ctx *Context, instance any, front *packet.Front) {
	f(ctx, instance, front)
}

// ConfigHandler builds a new instance configuration from raw bytes,
// diffing against the previous one (spec section 4.4): "it owns diffing
// the raw bytes against old_cfg and may return the existing instance
// unchanged if identical."
type ConfigHandler func(instanceName string, raw []byte, old any) (any, error)

// Module is a named citizen of the module ABI: a stable name, a Handler,
// and an optional ConfigHandler for building per-instance configuration
// from raw control-plane bytes.
type Module struct {
	Name          string
	Handler       Handler
	ConfigHandler ConfigHandler
}

// Registry resolves module names to their Module definition. It is built
// once at startup from the set of modules compiled into the binary (the
// module ABI does not support dynamic loading, per spec section 1
// Non-goals).
type Registry struct {
	byName map[string]*Module
}

// NewRegistry builds a Registry from modules, which must have unique
// names.
func NewRegistry(modules ...*Module) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Module, len(modules))}
	for _, m := range modules {
		if _, exists := r.byName[m.Name]; exists {
			return nil, fmt.Errorf("pipeline: duplicate module name %q", m.Name)
		}
		r.byName[m.Name] = m
	}
	return r, nil
}

// Lookup returns the Module registered under name.
func (r *Registry) Lookup(name string) (*Module, error) {
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown module %q", name)
	}
	return m, nil
}

// Instance binds a Module to one configured instance of it: its name, the
// instance-specific configuration payload built by ConfigHandler, and the
// counter block the instance's handler addresses into. RefCount tracks how
// many published generations currently reference this Instance (spec
// section 3 "Module instance configuration" invariant); genconfig owns
// incrementing and decrementing it.
type Instance struct {
	Module       *Module
	InstanceName string
	Config       any
	CounterBlock counter.ID
	RefCount     atomic.Int32
}
