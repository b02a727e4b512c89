package balancer

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestConfigBuildRejectsUnknownReal(t *testing.T) {
	cfg := &Config{
		VSs: []*VS{{ID: 1, RealIDs: []int{99}}},
	}
	err := cfg.Build()
	require.Error(t, err)
}

func TestConfigBuildSkipsDisabledAndZeroWeightReals(t *testing.T) {
	cfg := &Config{
		Reals: map[int]*Real{
			1: {ID: 1, Weight: 1, Enabled: true},
			2: {ID: 2, Weight: 1, Enabled: false},
			3: {ID: 3, Weight: 0, Enabled: true},
		},
		VSs: []*VS{{ID: 1, RealIDs: []int{1, 2, 3}}},
	}
	require.NoError(t, cfg.Build())
	require.Equal(t, []int{1}, cfg.VSs[0].ring.RealIDs())
}

func TestLookupVSMatchesOnAddrPortProto(t *testing.T) {
	cfg := &Config{
		VSs: []*VS{
			{ID: 1, Addr: mustAddr(t, "10.0.0.1"), Port: 80, Proto: ProtoTCP},
			{ID: 2, Addr: mustAddr(t, "10.0.0.1"), Port: 53, Proto: ProtoUDP},
		},
	}
	require.NoError(t, cfg.Build())

	vs, ok := cfg.lookupVS(mustAddr(t, "10.0.0.1"), 80, ProtoTCP)
	require.True(t, ok)
	require.Equal(t, 1, vs.ID)

	_, ok = cfg.lookupVS(mustAddr(t, "10.0.0.1"), 80, ProtoUDP)
	require.False(t, ok)
}

func TestSourceAllowedEmptyMeansAllowAll(t *testing.T) {
	vs := &VS{}
	require.True(t, vs.sourceAllowed(mustAddr(t, "192.168.1.1")))
}

func TestSourceAllowedFiltersByPrefix(t *testing.T) {
	vs := &VS{AllowedSrc: []netip.Prefix{mustPrefix(t, "10.0.0.0/8")}}
	require.True(t, vs.sourceAllowed(mustAddr(t, "10.1.2.3")))
	require.False(t, vs.sourceAllowed(mustAddr(t, "192.168.1.1")))
}

func TestSelectRealPRRRoundRobins(t *testing.T) {
	cfg := &Config{
		Reals: map[int]*Real{
			1: {ID: 1, Weight: 1, Enabled: true},
			2: {ID: 2, Weight: 1, Enabled: true},
		},
		VSs: []*VS{{ID: 1, PRR: true, RealIDs: []int{1, 2}}},
	}
	require.NoError(t, cfg.Build())
	vs := cfg.VSs[0]

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		r, ok := vs.selectReal(cfg, 0)
		require.True(t, ok)
		seen[r.ID] = true
	}
	require.Len(t, seen, 2)
}

func TestSelectRealSkipsDisabledReal(t *testing.T) {
	cfg := &Config{
		Reals: map[int]*Real{
			1: {ID: 1, Weight: 1, Enabled: true},
		},
		VSs: []*VS{{ID: 1, RealIDs: []int{1}}},
	}
	require.NoError(t, cfg.Build())
	cfg.Reals[1].Enabled = false

	_, ok := cfg.VSs[0].selectReal(cfg, 123)
	require.False(t, ok)
}
