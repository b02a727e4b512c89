package nat64

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

func testRawConfigBytes(t *testing.T) []byte {
	t.Helper()
	raw := rawConfig{
		Prefixes: [][12]byte{testPrefix()},
		Mappings: []Mapping{
			{
				IPv4:        [4]byte{10, 0, 0, 1},
				IPv6:        [16]byte{0x20, 0x01, 0xdb, 0x8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
				PrefixIndex: 0,
			},
		},
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	return b
}

func TestConfigHandlerBuildsInstance(t *testing.T) {
	raw := testRawConfigBytes(t)
	inst, err := configHandler("default", raw, nil)
	require.NoError(t, err)
	bc, ok := inst.(*boundConfig)
	require.True(t, ok)
	require.Len(t, bc.Prefixes, 1)
}

func TestConfigHandlerReusesUnchangedBytes(t *testing.T) {
	raw := testRawConfigBytes(t)
	first, err := configHandler("default", raw, nil)
	require.NoError(t, err)
	second, err := configHandler("default", raw, first)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestModuleHandleTranslatesIPv4Packet(t *testing.T) {
	counters := counter.NewRegistry()
	mod := Module(counters)

	raw := testRawConfigBytes(t)
	instance, err := mod.ConfigHandler("default", raw, nil)
	require.NoError(t, err)

	frame := buildV4UDPFrame(t, net.IPv4(198, 51, 100, 5), net.IPv4(10, 0, 0, 1))
	p := packet.New(frame)
	p.Headers.L3 = packet.L3IPv4

	var input packet.List
	input.PushBack(p)
	front := packet.NewFront(input)
	front.Advance()

	store := counter.NewStorage(counters)
	ctx := &pipeline.Context{Counters: store}
	mod.Handler.Handle(ctx, instance, front)

	require.Equal(t, 1, front.Output.Len())
	require.Equal(t, 0, front.Drop.Len())
	out := front.Output.PopFront()
	require.Equal(t, packet.L3IPv6, out.Headers.L3)
}

func TestModuleHandleDropsUnknownMapping(t *testing.T) {
	counters := counter.NewRegistry()
	mod := Module(counters)

	raw := testRawConfigBytes(t)
	instance, err := mod.ConfigHandler("default", raw, nil)
	require.NoError(t, err)

	frame := buildV4UDPFrame(t, net.IPv4(198, 51, 100, 5), net.IPv4(10, 0, 0, 9))
	p := packet.New(frame)
	p.Headers.L3 = packet.L3IPv4

	var input packet.List
	input.PushBack(p)
	front := packet.NewFront(input)
	front.Advance()

	store := counter.NewStorage(counters)
	ctx := &pipeline.Context{Counters: store}
	mod.Handler.Handle(ctx, instance, front)

	require.Equal(t, 0, front.Output.Len())
	require.Equal(t, 1, front.Drop.Len())
}
