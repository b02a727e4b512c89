package balancer

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// vnodesPerWeightUnit sets the ring's resolution: each unit of a real's
// weight contributes this many virtual nodes, so the ring's total
// capacity tracks the aggregate weight as spec section 4.6 requires
// ("capacity expands to the maximum aggregate weight").
const vnodesPerWeightUnit = 100

type vnode struct {
	hash   uint64
	realID int
}

// Ring is a weighted consistent-hash ring over real servers (spec
// section 4.6 "weighted consistent-hash ring"). It is rebuilt wholesale
// from the current real set on every configuration Build, rather than
// mutated in place; since every real's virtual nodes hash independently
// of every other real's, rebuilding naturally only changes the slots
// belonging to reals whose weight actually changed, preserving the
// "changing a real's weight rewrites only that real's slots" property
// without needing an incremental update path.
type Ring struct {
	nodes   []vnode
	realIDs []int // distinct real ids, in VS configuration order, for PRR
}

// BuildRing constructs a ring from reals, in the order given.
func BuildRing(reals []Real) *Ring {
	r := &Ring{realIDs: make([]int, 0, len(reals))}
	for _, real := range reals {
		r.realIDs = append(r.realIDs, real.ID)
		for i := 0; i < real.Weight*vnodesPerWeightUnit; i++ {
			r.nodes = append(r.nodes, vnode{hash: vnodeHash(real.ID, i), realID: real.ID})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i].hash < r.nodes[j].hash })
	return r
}

// Select returns the real owning the first ring slot at or after
// packetHash, wrapping around to the first slot if packetHash exceeds
// every node's hash.
func (r *Ring) Select(packetHash uint32) (int, bool) {
	if len(r.nodes) == 0 {
		return 0, false
	}
	// Scale the 32-bit packet hash onto the 64-bit ring the vnode hashes
	// occupy.
	h := uint64(packetHash) << 32
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.nodes[idx].realID, true
}

// SelectLive returns the real owning the first ring slot at or after
// packetHash whose real id passes live, walking forward around the ring
// (wrapping) past any slot live rejects. A real disabled after the ring
// was built (without a reconfiguration and rebuild) still yields to the
// next live slot on this walk instead of causing a drop (spec section
// 4.6 step 4 bullet 2: a reschedulable packet whose session real has
// gone disabled must be handed to a different, live real).
func (r *Ring) SelectLive(packetHash uint32, live func(realID int) bool) (int, bool) {
	if len(r.nodes) == 0 {
		return 0, false
	}
	h := uint64(packetHash) << 32
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })
	for i := 0; i < len(r.nodes); i++ {
		n := r.nodes[(idx+i)%len(r.nodes)]
		if live(n.realID) {
			return n.realID, true
		}
	}
	return 0, false
}

// RealIDs returns the distinct reals backing the ring, for PRR scheduling.
func (r *Ring) RealIDs() []int { return r.realIDs }

func vnodeHash(realID, i int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.Itoa(realID)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(i)))
	return h.Sum64()
}
