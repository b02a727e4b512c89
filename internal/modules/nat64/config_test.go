package nat64

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPrefix() Prefix {
	var p Prefix
	copy(p[:], net.ParseIP("64:ff9b::").To16()[:12])
	return p
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Prefixes: []Prefix{testPrefix()},
		Mappings: []Mapping{
			{
				IPv4:        [4]byte{10, 0, 0, 1},
				IPv6:        [16]byte{0x20, 0x01, 0xdb, 0x8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
				PrefixIndex: 0,
			},
		},
	}
	require.NoError(t, cfg.Build())
	return cfg
}

func TestBuildFillsDefaultMTUs(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, defaultMTUv6, cfg.MTUv6)
	require.Equal(t, defaultMTUv4, cfg.MTUv4)
}

func TestBuildRejectsNoPrefixes(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Build())
}

func TestBuildRejectsOutOfRangePrefixIndex(t *testing.T) {
	cfg := &Config{
		Prefixes: []Prefix{testPrefix()},
		Mappings: []Mapping{{PrefixIndex: 5}},
	}
	require.Error(t, cfg.Build())
}

func TestLookupV4FindsMapping(t *testing.T) {
	cfg := testConfig(t)
	m, ok := cfg.lookupV4(net.IPv4(10, 0, 0, 1))
	require.True(t, ok)
	require.Equal(t, 0, m.PrefixIndex)
}

func TestLookupV4MissUnknownAddress(t *testing.T) {
	cfg := testConfig(t)
	_, ok := cfg.lookupV4(net.IPv4(10, 0, 0, 9))
	require.False(t, ok)
}

func TestLongestPrefixV6MatchesEmbeddingPrefix(t *testing.T) {
	cfg := testConfig(t)
	embedded := embedV4(cfg.Prefixes[0], net.IPv4(192, 0, 2, 1))
	idx, ok := cfg.longestPrefixV6(embedded)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestLongestPrefixV6MissesUnrelatedAddress(t *testing.T) {
	cfg := testConfig(t)
	_, ok := cfg.longestPrefixV6(net.ParseIP("2001:db8::dead"))
	require.False(t, ok)
}

func TestEmbedAndStripRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	v4 := net.IPv4(203, 0, 113, 7)
	embedded := embedV4(cfg.Prefixes[0], v4)
	stripped := stripPrefix(embedded)
	require.True(t, stripped.Equal(v4.To4()))
}
