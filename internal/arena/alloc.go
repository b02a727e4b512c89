package arena

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrExhausted is returned by Allocator.Alloc when the arena half has no
// room left for the requested block, either because the request exceeds
// the largest (1 MiB) size class or because that size class's free list
// is empty and the bump region is spent.
var ErrExhausted = errors.New("arena: allocator exhausted")

const (
	minBlockShift = 4  // 16 bytes
	maxBlockShift = 20 // 1 MiB
	numSizeClasses = maxBlockShift - minBlockShift + 1
)

// freeNode is overlaid on a free block's first bytes to thread the
// per-size-class free list through arena memory itself, so the allocator's
// own bookkeeping costs nothing beyond the blocks it manages.
type freeNode struct {
	next uint64 // offset of next free block in this size class, 0 = end
}

// Allocator is a block allocator over a contiguous arena region: an
// initial bump-pointer region backed by per-size-class free lists once
// blocks start being returned. It is single-writer (the owning
// control-plane context); workers only ever dereference pointers it
// produced, never call Alloc or Free themselves.
type Allocator struct {
	mu        sync.Mutex
	arena     *Arena
	base      uint64 // first byte of this allocator's region
	next      uint64 // bump pointer, relative to arena base
	limit     uint64 // one past the last usable byte, relative to arena base
	freeLists [numSizeClasses]uint64
}

// NewAllocator creates an Allocator managing [base, base+size) of a.
func NewAllocator(a *Arena, base, size uint64) *Allocator {
	next := base
	if next == 0 {
		// Offset zero encodes a null Ptr, so it is never handed out.
		next = 1 << minBlockShift
	}
	return &Allocator{arena: a, base: base, next: next, limit: base + size}
}

func sizeClass(size uintptr) (shift uint, blockSize uintptr) {
	shift = minBlockShift
	blockSize = 1 << shift
	for blockSize < size && shift < maxBlockShift {
		shift++
		blockSize <<= 1
	}
	return shift, blockSize
}

// Alloc reserves a zeroed block of at least size bytes and returns its
// arena-relative offset. It returns ErrExhausted if the region has no
// space left for the request.
func (al *Allocator) Alloc(size uintptr) (uint64, error) {
	if size == 0 {
		size = 1
	}
	shift, blockSize := sizeClass(size)
	if blockSize < size {
		return 0, ErrExhausted
	}
	class := shift - minBlockShift

	al.mu.Lock()
	defer al.mu.Unlock()

	if head := al.freeLists[class]; head != 0 {
		node := (*freeNode)(al.arena.addrOf(head))
		al.freeLists[class] = node.next
		zero(al.arena.addrOf(head), blockSize)
		return head, nil
	}

	if al.next+uint64(blockSize) > al.limit {
		return 0, ErrExhausted
	}
	off := al.next
	al.next += uint64(blockSize)
	zero(al.arena.addrOf(off), blockSize)
	return off, nil
}

// Free returns a previously allocated block (of the given original size) to
// its size class's free list.
func (al *Allocator) Free(off uint64, size uintptr) {
	if off == 0 {
		return
	}
	shift, _ := sizeClass(size)
	class := shift - minBlockShift

	al.mu.Lock()
	defer al.mu.Unlock()

	node := (*freeNode)(al.arena.addrOf(off))
	node.next = al.freeLists[class]
	al.freeLists[class] = off
}

func zero(addr unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(addr), n)
	for i := range b {
		b[i] = 0
	}
}
