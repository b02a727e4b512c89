package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRingDistributesByWeight(t *testing.T) {
	reals := []Real{
		{ID: 1, Weight: 1, Enabled: true},
		{ID: 2, Weight: 3, Enabled: true},
	}
	ring := BuildRing(reals)
	require.Len(t, ring.nodes, 4*vnodesPerWeightUnit)

	counts := map[int]int{}
	for _, n := range ring.nodes {
		counts[n.realID]++
	}
	require.Equal(t, vnodesPerWeightUnit, counts[1])
	require.Equal(t, 3*vnodesPerWeightUnit, counts[2])
}

func TestRingSelectWrapsAround(t *testing.T) {
	ring := BuildRing([]Real{{ID: 1, Weight: 1, Enabled: true}})
	id, ok := ring.Select(^uint32(0))
	require.True(t, ok)
	require.Equal(t, 1, id)
}

// TestRingWeightChangeOnlyMovesOneRealsSlots exercises the "changing one
// real's weight only rewrites that real's slots" property: real 1's
// virtual nodes are hashed only from its own id, so adding a second real
// cannot change which hash values real 1 owns.
func TestRingWeightChangeOnlyMovesOneRealsSlots(t *testing.T) {
	before := BuildRing([]Real{{ID: 1, Weight: 2, Enabled: true}})
	beforeHashes := map[uint64]bool{}
	for _, n := range before.nodes {
		beforeHashes[n.hash] = true
	}

	after := BuildRing([]Real{
		{ID: 1, Weight: 2, Enabled: true},
		{ID: 2, Weight: 5, Enabled: true},
	})
	for _, n := range after.nodes {
		if n.realID == 1 {
			require.True(t, beforeHashes[n.hash], "real 1's slot hash changed after adding real 2")
		}
	}
}

func TestRingEmpty(t *testing.T) {
	ring := BuildRing(nil)
	_, ok := ring.Select(42)
	require.False(t, ok)
	require.Empty(t, ring.RealIDs())
}
