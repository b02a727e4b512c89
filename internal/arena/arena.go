// Package arena implements the huge-page-backed shared-memory region that
// backs every control-plane/data-plane configuration object. All
// arena-resident pointers are stored as base-relative offsets (see
// Ptr) so a generation built by one process is valid when mapped by
// another: addresses are always recomputed from the mapping process's own
// base, never carried across as absolute pointers.
package arena

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a contiguous memory region addressable by offset. Half of it
// (the low DPMemory bytes) is reserved for the data-plane root; the rest is
// reserved for the control-plane root, mirroring the "Persisted state
// layout" in spec section 6.
type Arena struct {
	mu   sync.Mutex
	data []byte
	file *os.File

	dpSize uint64
}

// Open maps path as a huge-page-backed arena file of the given total size,
// creating it if necessary. dpSize bytes at the start of the mapping are
// reserved for the data-plane half; the remainder is the control-plane
// half.
func Open(path string, size, dpSize uint64) (*Arena, error) {
	if dpSize > size {
		return nil, fmt.Errorf("arena: dp_memory %d exceeds total arena size %d", dpSize, size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("arena: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: truncate %s to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_HUGEPAGE) // best-effort; absence is not fatal

	return &Arena{data: data, file: f, dpSize: dpSize}, nil
}

// OpenAnonymous creates an Arena backed by anonymous memory rather than a
// file. It is used by tests and by the single-process loopback driver,
// where cross-process offset portability is not required.
func OpenAnonymous(size, dpSize uint64) (*Arena, error) {
	if dpSize > size {
		return nil, fmt.Errorf("arena: dp_memory %d exceeds total arena size %d", dpSize, size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("arena: anonymous mmap: %w", err)
	}
	return &Arena{data: data, dpSize: dpSize}, nil
}

// Close unmaps the arena and closes the backing file, if any.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Size returns the total mapped size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// DPSize returns the size in bytes reserved for the data-plane half.
func (a *Arena) DPSize() uint64 { return a.dpSize }

// CPOffset returns the base offset of the control-plane half.
func (a *Arena) CPOffset() uint64 { return a.dpSize }

// base returns the address of byte zero of the mapping. Every offset
// pointer is relative to this address.
func (a *Arena) base() unsafe.Pointer {
	return unsafe.Pointer(&a.data[0])
}

// addrOf is the single place offset-to-address arithmetic happens for raw
// offsets; typed callers should prefer Ptr[T] instead.
func (a *Arena) addrOf(off uint64) unsafe.Pointer {
	if off == 0 {
		return nil
	}
	return unsafe.Add(a.base(), uintptr(off))
}

// setOffsetOf computes the offset of ptr relative to the arena base. A nil
// ptr yields offset zero.
func (a *Arena) setOffsetOf(ptr unsafe.Pointer) uint64 {
	if ptr == nil {
		return 0
	}
	return uint64(uintptr(ptr) - uintptr(a.base()))
}
