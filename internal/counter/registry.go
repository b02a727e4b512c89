// Package counter implements the counter registry described in spec
// section 6: modules register named counter blocks once, then address
// individual 64-bit words inside a per-worker Storage block by id and
// worker index. Registration is control-plane-only and happens before
// workers start; after that, each counter word is single-writer
// (the owning worker) and multi-reader (the control plane, operators
// mapping the arena read-only, and the Prometheus collector in
// metrics.go), per spec section 5's "Shared-resource policy".
package counter

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ID identifies a registered counter block.
type ID int

type blockDef struct {
	name   string
	offset int
	size   int
}

// Registry assigns word offsets to named counter blocks. It is not safe
// for concurrent Register calls with concurrent Address/Add/Get calls;
// all registration is expected to happen during control-plane
// initialization before any Storage built from it is handed to workers.
type Registry struct {
	mu     sync.Mutex
	blocks []blockDef
	byName map[string]ID
	total  int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ID)}
}

// Register reserves sizeWords contiguous 64-bit words under name and
// returns an ID to address them. Registering the same name twice returns
// the existing ID rather than reserving new space, so repeated module
// reconfiguration doesn't leak counter words across generations.
func (r *Registry) Register(name string, sizeWords int) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id
	}
	id := ID(len(r.blocks))
	r.blocks = append(r.blocks, blockDef{name: name, offset: r.total, size: sizeWords})
	r.byName[name] = id
	r.total += sizeWords
	return id
}

// TotalWords returns the number of 64-bit words a single worker's Storage
// block must hold to back every counter currently registered.
func (r *Registry) TotalWords() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Names returns the registered counter block names, in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.blocks))
	for i, b := range r.blocks {
		names[i] = b.name
	}
	return names
}

func (r *Registry) block(id ID) (blockDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < 0 || int(id) >= len(r.blocks) {
		return blockDef{}, fmt.Errorf("counter: unknown id %d", id)
	}
	return r.blocks[id], nil
}

// Storage is a per-worker array of counter words sized to a Registry's
// TotalWords. Each worker owns exactly one Storage; operators and the
// control plane only ever read it.
type Storage struct {
	words []uint64
}

// NewStorage allocates a Storage sized for r.
func NewStorage(r *Registry) *Storage {
	return &Storage{words: make([]uint64, r.TotalWords())}
}

// Address returns a pointer to word index within the counter block id.
// The owning worker is the only writer of the returned pointer; any other
// goroutine must only call Get.
func (r *Registry) Address(id ID, s *Storage, index int) (*uint64, error) {
	b, err := r.block(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= b.size {
		return nil, fmt.Errorf("counter: index %d out of range for block %q (size %d)", index, b.name, b.size)
	}
	return &s.words[b.offset+index], nil
}

// Add increments a single counter word. Must only be called by the
// worker that owns s.
func Add(addr *uint64, delta uint64) { atomic.AddUint64(addr, delta) }

// Get reads a single counter word. Safe for any reader.
func Get(addr *uint64) uint64 { return atomic.LoadUint64(addr) }

// Sum reads word index of block id in every worker's Storage and adds
// them together, the way an operator query or a Prometheus scrape
// aggregates per-worker counters into one series.
func (r *Registry) Sum(id ID, stores []*Storage, index int) (uint64, error) {
	b, err := r.block(id)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= b.size {
		return 0, fmt.Errorf("counter: index %d out of range for block %q (size %d)", index, b.name, b.size)
	}
	var total uint64
	for _, s := range stores {
		total += atomic.LoadUint64(&s.words[b.offset+index])
	}
	return total, nil
}
