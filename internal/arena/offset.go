package arena

import "unsafe"

// Ptr is an offset-relative pointer to a T living inside an Arena. It is
// the generic form of the addr_of/set_offset_of pair from spec section 4.1:
// Get recomputes an address from the arena's current mapping, and Set
// stores a base-relative offset rather than the address itself, so a Ptr
// embedded in an arena-resident struct is valid from any process that maps
// the same arena file.
//
// The zero value represents a null pointer.
type Ptr[T any] struct {
	off uint64
}

// Get returns the address of T or nil if the pointer is null.
func (p Ptr[T]) Get(a *Arena) *T {
	addr := a.addrOf(p.off)
	if addr == nil {
		return nil
	}
	return (*T)(addr)
}

// Set stores the offset of v relative to a's base. Passing nil clears the
// pointer to null (offset zero).
func (p *Ptr[T]) Set(a *Arena, v *T) {
	p.off = a.setOffsetOf(unsafe.Pointer(v))
}

// IsNull reports whether the pointer is currently null.
func (p Ptr[T]) IsNull() bool { return p.off == 0 }

// Offset returns the raw base-relative offset, mostly useful for debugging
// and tests.
func (p Ptr[T]) Offset() uint64 { return p.off }
