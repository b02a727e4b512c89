package balancer

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDensityThreshold is the default fullest-worker density factor
// (spec section 4.6: "the fullest worker's density factor crosses the
// threshold (7 out of a bounded metric)") that triggers a session table
// resize.
const DefaultDensityThreshold = 7

// densityScale is the "bounded metric" the threshold is measured against:
// a generation at or above densityScale/10 * capacity entries is
// considered maximally dense.
const densityScale = 10

// Key identifies one balancer session (spec section 4.6: "keyed by
// (vs_id, client_ip, client_port)").
type Key struct {
	VSID       int
	ClientAddr netip.Addr
	ClientPort uint16
}

// Session is one balancer session's value (spec section 4.6:
// "(real_id, create_ts, last_ts, timeout)").
type Session struct {
	RealID   int
	CreateTS time.Time
	LastTS   time.Time
	Timeout  time.Duration
}

// expired reports whether the session is past its timeout as of now,
// matching the P4 invariant's complement.
func (s Session) expired(now time.Time) bool {
	return now.After(s.LastTS.Add(s.Timeout))
}

type generation struct {
	mu       sync.RWMutex
	m        map[Key]Session
	capacity int
}

func newGeneration(capacity int) *generation {
	return &generation{m: make(map[Key]Session, capacity), capacity: capacity}
}

func (g *generation) get(k Key) (Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.m[k]
	return s, ok
}

func (g *generation) set(k Key, s Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[k] = s
}

func (g *generation) del(k Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.m, k)
}

func (g *generation) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.m)
}

func (g *generation) density() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.capacity == 0 {
		return 0
	}
	return (len(g.m) * densityScale) / g.capacity
}

// Table is the balancer's session table: two generations to allow live
// resize without a global pause, plus a per-worker use_prev_gen flag
// (spec section 4.6 "Session table resize protocol"). Unlike the
// C original's fixed-capacity slab, Go's map has no hard capacity;
// capacity here is a sizing hint the density calculation is measured
// against, not an enforced bound (see DESIGN.md).
type Table struct {
	densityThreshold int

	mu        sync.RWMutex
	current   *generation
	prev      *generation // nil when there is no pending resize
	usePrevGen []atomic.Bool
}

const initialCapacity = 4096

// NewTable builds an empty, single-generation table; the per-worker
// use_prev_gen flags are allocated later by Resize.
func NewTable(densityThreshold int) *Table {
	return &Table{
		densityThreshold: densityThreshold,
		current:          newGeneration(initialCapacity),
	}
}

// Resize allocates per-worker use_prev_gen state once the worker count
// is known; called once during topology wiring.
func (t *Table) Resize(numWorkers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usePrevGen = make([]atomic.Bool, numWorkers)
}

// Lookup checks the current generation and, if the calling worker still
// has use_prev_gen set, the previous generation too.
func (t *Table) Lookup(workerIdx int, k Key) (Session, bool) {
	t.mu.RLock()
	cur, prev := t.current, t.prev
	usePrev := workerIdx >= 0 && workerIdx < len(t.usePrevGen) && t.usePrevGen[workerIdx].Load()
	t.mu.RUnlock()

	if s, ok := cur.get(k); ok {
		return s, true
	}
	if usePrev && prev != nil {
		return prev.get(k)
	}
	return Session{}, false
}

// Insert and Refresh both write only to the current generation (spec
// section 4.6: inserts always target the new generation during a
// resize).
func (t *Table) Insert(k Key, s Session) {
	t.mu.RLock()
	cur := t.current
	t.mu.RUnlock()
	cur.set(k, s)
}

func (t *Table) Refresh(k Key, s Session) { t.Insert(k, s) }

func (t *Table) Delete(workerIdx int, k Key) {
	t.mu.RLock()
	cur, prev := t.current, t.prev
	t.mu.RUnlock()
	cur.del(k)
	if prev != nil {
		prev.del(k)
	}
}

// MaybeResize grows the table to 2x capacity once the current
// generation's density crosses densityThreshold, per spec section 4.6.
// It is safe to call from the control plane on every reconfiguration;
// it is a no-op unless the threshold is actually crossed or a resize is
// forced.
func (t *Table) MaybeResize(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prev != nil {
		return false // a resize is already in flight
	}
	if !force && t.current.density() < t.densityThreshold {
		return false
	}
	t.prev = t.current
	t.current = newGeneration(t.prev.capacity * 2)
	for i := range t.usePrevGen {
		t.usePrevGen[i].Store(true)
	}
	return true
}

// ClearUsePrevGen is called by a worker once it has finished consulting
// the previous generation for a full iteration; when every worker has
// cleared its flag, ReclaimPrevGen frees it.
func (t *Table) ClearUsePrevGen(workerIdx int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if workerIdx >= 0 && workerIdx < len(t.usePrevGen) {
		t.usePrevGen[workerIdx].Store(false)
	}
}

// ReclaimPrevGen drops the previous generation once every worker has
// cleared use_prev_gen.
func (t *Table) ReclaimPrevGen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prev == nil {
		return false
	}
	for i := range t.usePrevGen {
		if t.usePrevGen[i].Load() {
			return false
		}
	}
	t.prev = nil
	return true
}

// Prune removes every expired session from both generations; the control
// plane runs this periodically outside the worker hot path.
func (t *Table) Prune(now time.Time) int {
	t.mu.RLock()
	cur, prev := t.current, t.prev
	t.mu.RUnlock()

	n := prune(cur, now)
	if prev != nil {
		n += prune(prev, now)
	}
	return n
}

func prune(g *generation, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, s := range g.m {
		if s.expired(now) {
			delete(g.m, k)
			n++
		}
	}
	return n
}
