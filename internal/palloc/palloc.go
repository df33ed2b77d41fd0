// Package palloc implements the page allocator the specification names as
// an out-of-scope collaborator: aligned allocate/free for the stage-2 page
// table's L3 (16 KiB) and L4 (32 KiB) sub-tables.
package palloc

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator is the capability the stage-2 page table consumes to create and
// destroy sub-tables. It never sees page-table semantics; it only hands
// back aligned memory and reclaims it later by address.
type Allocator interface {
	// Memalign returns size bytes of zeroed memory whose address is a
	// multiple of alignment, plus that address as a uintptr handle.
	Memalign(alignment, size uintptr) ([]byte, uintptr, error)

	// Free releases memory previously returned by Memalign, identified by
	// the address handle.
	Free(addr uintptr) error
}

// MmapAllocator backs Memalign/Free with anonymous mmap regions, matching
// the teacher's own pattern for VM-backing memory (see
// _examples/tinyrange-cc/internal/hv/hvf/hvf_darwin_arm64.go's
// AllocateMemory). Because a page table's L3/L4 granules (16 KiB / 32 KiB)
// can exceed the host's native page size, each allocation over-maps and
// hands back an aligned sub-slice, tracking the true mmap base so Free can
// still unmap the whole region.
type MmapAllocator struct {
	mu   sync.Mutex
	live map[uintptr][]byte // aligned handle -> underlying mmap'd region
}

// NewMmapAllocator returns a ready-to-use MmapAllocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{live: make(map[uintptr][]byte)}
}

// Memalign implements Allocator.
func (a *MmapAllocator) Memalign(alignment, size uintptr) ([]byte, uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, 0, fmt.Errorf("palloc: alignment 0x%x is not a power of 2", alignment)
	}
	if size == 0 {
		return nil, 0, fmt.Errorf("palloc: cannot allocate zero-size region")
	}

	total := size + alignment - 1
	raw, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, fmt.Errorf("palloc: mmap %d bytes: %w", total, err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	handle := (base + alignment - 1) &^ (alignment - 1)
	offset := handle - base

	a.mu.Lock()
	a.live[handle] = raw
	a.mu.Unlock()

	return raw[offset : offset+size : offset+size], handle, nil
}

// Free implements Allocator.
func (a *MmapAllocator) Free(addr uintptr) error {
	a.mu.Lock()
	raw, ok := a.live[addr]
	if ok {
		delete(a.live, addr)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("palloc: free of unknown address 0x%x", addr)
	}
	if err := unix.Munmap(raw); err != nil {
		return fmt.Errorf("palloc: munmap: %w", err)
	}
	return nil
}
