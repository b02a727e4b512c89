package arena

import (
	"sync/atomic"
	"unsafe"
)

// Context wraps an Allocator with a human-readable label and per-context
// byte accounting, mirroring spec section 4.1's memory_context. Each
// arena-resident component (the CP config graph, a module's instance
// configuration, ...) allocates through its own Context so leaks and
// pressure can be attributed by label.
type Context struct {
	arena     *Arena
	alloc     *Allocator
	label     string
	allocated atomic.Uint64 // bytes currently live, for diagnostics
}

// NewContext creates a Context backed by alloc, labeled for diagnostics.
func NewContext(a *Arena, alloc *Allocator, label string) *Context {
	return &Context{arena: a, alloc: alloc, label: label}
}

// Label returns the context's diagnostic label.
func (c *Context) Label() string { return c.label }

// Allocated returns the number of bytes currently attributed to this
// context (i.e. allocated and not yet freed through it).
func (c *Context) Allocated() uint64 { return c.allocated.Load() }

// New allocates a zeroed T inside the arena and returns both a live
// pointer (valid in this process only) and the Ptr that should be stored
// into any other arena-resident struct that needs to reference it.
func New[T any](c *Context) (*T, Ptr[T], error) {
	var zero T
	size := unsafe.Sizeof(zero)
	off, err := c.alloc.Alloc(size)
	if err != nil {
		var p Ptr[T]
		return nil, p, err
	}
	c.allocated.Add(uint64(size))
	var p Ptr[T]
	p.off = off
	return p.Get(c.arena), p, nil
}

// Free releases a T previously allocated through New from this context. It
// must not be called while any published generation still reaches p's target (see
// spec section 4.5 and 4.6's reference-counted instance configurations).
func Free[T any](c *Context, p Ptr[T]) {
	if p.IsNull() {
		return
	}
	var zero T
	size := unsafe.Sizeof(zero)
	c.alloc.Free(p.off, size)
	if got := c.allocated.Load(); got >= uint64(size) {
		c.allocated.Add(-uint64(size))
	}
}
