package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/packet"
)

func passthrough() *Module {
	return &Module{
		Name: "passthrough",
		Handler: HandlerFunc(func(ctx *Context, instance any, front *packet.Front) {
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

func bypassModule() *Module {
	return &Module{
		Name: "bypasser",
		Handler: HandlerFunc(func(ctx *Context, instance any, front *packet.Front) {
			for {
				p := front.Input.PopFront()
				if p == nil {
					break
				}
				front.Bypass.PushBack(p)
			}
		}),
	}
}

func dropAll() *Module {
	return &Module{
		Name: "dropper",
		Handler: HandlerFunc(func(ctx *Context, instance any, front *packet.Front) {
			for {
				p := front.Input.PopFront()
				if p == nil {
					break
				}
				front.Drop.PushBack(p)
			}
		}),
	}
}

func instances(mods ...*Module) map[string]*Instance {
	out := make(map[string]*Instance)
	for _, m := range mods {
		out[m.Name+"/default"] = &Instance{Module: m, InstanceName: "default"}
	}
	return out
}

func TestDispatchPassthroughChain(t *testing.T) {
	refs := []InstanceRef{{ModuleName: "passthrough", InstanceName: "default"}, {ModuleName: "passthrough", InstanceName: "default"}}
	p, err := Resolve("p1", refs, instances(passthrough()))
	require.NoError(t, err)

	var input packet.List
	input.PushBack(packet.New([]byte("a")))
	input.PushBack(packet.New([]byte("b")))
	front := packet.NewFront(input)

	Dispatch(p, &Context{}, front)
	require.Equal(t, 2, front.Output.Len())
	require.Equal(t, 0, front.Drop.Len())
}

func TestDispatchBypassSkipsDownstream(t *testing.T) {
	refs := []InstanceRef{
		{ModuleName: "bypasser", InstanceName: "default"},
		{ModuleName: "dropper", InstanceName: "default"},
	}
	p, err := Resolve("p2", refs, instances(bypassModule(), dropAll()))
	require.NoError(t, err)

	var input packet.List
	input.PushBack(packet.New([]byte("a")))
	front := packet.NewFront(input)

	Dispatch(p, &Context{}, front)
	require.Equal(t, 1, front.Output.Len(), "bypassed packet should end up as worker-level output, not dropped by the downstream dropper")
	require.Equal(t, 0, front.Drop.Len())
}

func TestResolveUnknownInstance(t *testing.T) {
	refs := []InstanceRef{{ModuleName: "missing", InstanceName: "default"}}
	_, err := Resolve("p3", refs, instances())
	require.Error(t, err)
}
