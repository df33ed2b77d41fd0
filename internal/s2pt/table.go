package s2pt

import (
	"fmt"
	"unsafe"

	"github.com/tinyhv/bmhv/internal/palloc"
)

// l3Table is a heap-allocated L3 sub-table: 2048 entries, 16 KiB, owned
// exclusively by the single L2 entry that points to it (invariant 2 in the
// specification). children tracks, in parallel, which entries are
// themselves software L4 table links, so PT never has to reinterpret a raw
// TARGET address as a pointer to walk or free a sub-table.
type l3Table struct {
	mem      []byte
	entries  *[L3Entries]PTE
	physAddr uintptr
	children [L3Entries]*l4Table
}

// l4Table is a heap-allocated L4 sub-table: 4096 entries, 32 KiB, owned
// exclusively by the single L3 entry that points to it (invariant 3).
type l4Table struct {
	mem      []byte
	entries  *[L4Entries]PTE
	physAddr uintptr
}

func newL3Table(alloc palloc.Allocator) (*l3Table, error) {
	mem, phys, err := alloc.Memalign(L3TableSize, L3TableSize)
	if err != nil {
		return nil, fmt.Errorf("s2pt: allocate L3 table: %w", err)
	}
	return &l3Table{
		mem:      mem,
		entries:  (*[L3Entries]PTE)(unsafe.Pointer(&mem[0])),
		physAddr: phys,
	}, nil
}

func newL4Table(alloc palloc.Allocator) (*l4Table, error) {
	mem, phys, err := alloc.Memalign(L4TableSize, L4TableSize)
	if err != nil {
		return nil, fmt.Errorf("s2pt: allocate L4 table: %w", err)
	}
	return &l4Table{
		mem:      mem,
		entries:  (*[L4Entries]PTE)(unsafe.Pointer(&mem[0])),
		physAddr: phys,
	}, nil
}

// freeL4 releases an L4 table. It has no children to recurse into.
func freeL4(alloc palloc.Allocator, t *l4Table) error {
	if t == nil {
		return nil
	}
	return alloc.Free(t.physAddr)
}

// freeL3 recursively frees every L4 child table still linked from t before
// releasing t itself, implementing invariant 4 (recursive free before
// overwrite/teardown).
func freeL3(alloc palloc.Allocator, t *l3Table) error {
	if t == nil {
		return nil
	}
	for i, child := range t.children {
		if child == nil {
			continue
		}
		if err := freeL4(alloc, child); err != nil {
			return fmt.Errorf("s2pt: free L4 child %d: %w", i, err)
		}
		t.children[i] = nil
	}
	return alloc.Free(t.physAddr)
}
