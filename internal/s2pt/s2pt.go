package s2pt

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyhv/bmhv/internal/cpuops"
	"github.com/tinyhv/bmhv/internal/palloc"
)

// HookFunc is called when the data-abort handler resolves a walk to a HOOK
// entry: ipa is the faulting address, value points at the register value
// being stored (write) or the slot to fill (read), isWrite and width (in
// bytes) describe the access the handler already decoded.
type HookFunc func(ipa uint64, value *uint64, isWrite bool, width int) error

// ProxyDirection selects which SPTE_TYPE a proxy hook installs.
type ProxyDirection int

const (
	ProxyRead ProxyDirection = iota
	ProxyWrite
	ProxyReadWrite
)

func (d ProxyDirection) spteType() SPTEType {
	switch d {
	case ProxyRead:
		return SPTEProxyHookR
	case ProxyWrite:
		return SPTEProxyHookW
	default:
		return SPTEProxyHookRW
	}
}

// TraceFlags selects which of the three trace bits a mapping installs.
// Every install operation accepts one; the zero value installs none.
type TraceFlags struct {
	Read  bool
	Write bool
	Sync  bool
}

// PageTable is the stage-2 (IPA -> PA) translation table: a fixed 2048-entry
// root L2 array plus dynamically allocated L3 and L4 sub-tables, with a
// parallel Go-side ownership tree (l2Children / l3Table.children /
// l4Table) that PT walks to find and recursively free sub-tables — it never
// reinterprets a TARGET field as a pointer.
type PageTable struct {
	mu sync.Mutex

	alloc palloc.Allocator

	l2         [L2Entries]PTE
	l2Children [L2Entries]*l3Table

	hookMu     sync.Mutex
	hooks      map[uint64]HookFunc
	nextHookID uint64
}

// New creates a PageTable backed by alloc for its sub-table allocations.
// Callers must still call Init before the table is hardware-active.
func New(alloc palloc.Allocator) *PageTable {
	return &PageTable{
		alloc: alloc,
		hooks: make(map[uint64]HookFunc),
	}
}

// Init zeroes the root L2 array, discards any previously registered hooks,
// and — when ops is non-nil — programs VTCR_EL2 for a 16 KiB granule and
// 36-bit IPA space starting translation at L2, and VTTBR_EL2 with the root
// array's address. Passing a nil ops is for tests that only exercise PT's
// software semantics. Init is idempotent: it invalidates all prior state
// before reprogramming.
func (pt *PageTable) Init(ops cpuops.RegisterAccess) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for i := range pt.l2 {
		if pt.l2Children[i] != nil {
			if err := freeL3(pt.alloc, pt.l2Children[i]); err != nil {
				return fmt.Errorf("s2pt: init: free stale L2[%d]: %w", i, err)
			}
			pt.l2Children[i] = nil
		}
		pt.l2[i] = 0
	}

	pt.hookMu.Lock()
	pt.hooks = make(map[uint64]HookFunc)
	pt.nextHookID = 0
	pt.hookMu.Unlock()

	if ops == nil {
		return nil
	}

	// T0SZ = 64-IPABits selects the IPA size; SL0=1 picks L2 as the
	// starting level for a 16 KiB granule; TG0=2 selects the 16 KiB
	// granule encoding itself. The exact field positions mirror the ARM
	// architecture's VTCR_EL2 layout; this backend only needs them to
	// round-trip through a real or fake RegisterAccess consistently.
	const (
		t0szShift = 0
		sl0Shift  = 6
		tg0Shift  = 14
		tg0_16k   = 2
		sl0_l2    = 1
	)
	vtcr := uint64(64-IPABits)<<t0szShift | uint64(sl0_l2)<<sl0Shift | uint64(tg0_16k)<<tg0Shift
	if err := ops.WriteSysReg(cpuops.VTCREL2, vtcr); err != nil {
		return fmt.Errorf("s2pt: init: write VTCR_EL2: %w", err)
	}

	vttbr := uint64(uintptr(unsafe.Pointer(&pt.l2[0])))
	if err := ops.WriteSysReg(cpuops.VTTBREL2, vttbr); err != nil {
		return fmt.Errorf("s2pt: init: write VTTBR_EL2: %w", err)
	}

	return nil
}

// Map is the general install primitive: it redirects [from, from+size) to
// output addresses starting at to, where IPA from+n maps to to+incr*n
// (incr=1 gives a linear/identity-offset redirect; incr=0 gives a constant
// target) as an SW MAP entry, splitting across L2/L3/L4 as
// needed and covering each sub-range at the coarsest legal level.
func (pt *PageTable) Map(from, to, size uint64, incr int) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installRange(from, size, to, incr, false, SPTEMap, TraceFlags{})
}

// MapHW installs a hardware-visible block/page redirect: from and size must
// be 16 KiB (L3 granule) aligned, as must the resulting output addresses,
// since hardware cannot see the synthetic L4 level.
func (pt *PageTable) MapHW(from, to, size uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installRange(from, size, to, 1, true, SPTEMap, TraceFlags{})
}

// MapSW installs a software MAP redirect, optionally with trace bits set.
func (pt *PageTable) MapSW(from, to, size uint64, trace TraceFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installRange(from, size, to, 1, false, SPTEMap, trace)
}

// MapHook registers fn and installs a HOOK entry over [from, from+size)
// that dispatches every access in range to it. It returns the hook id
// assigned, primarily so tests can correlate a walked PTE's Target() back
// to the function it names.
func (pt *PageTable) MapHook(from uint64, fn HookFunc, size uint64, trace TraceFlags) (uint64, error) {
	id := pt.registerHook(fn)

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.installRange(from, size, id, 0, false, SPTEHook, trace); err != nil {
		pt.hookMu.Lock()
		delete(pt.hooks, id)
		pt.hookMu.Unlock()
		return 0, err
	}
	return id, nil
}

// MapProxyHook installs a PROXY_HOOK_{R,W,RW} entry carrying the
// caller-supplied id (not an address — typically an I/O device index the
// UART proxy resolves on the other end of the wire).
func (pt *PageTable) MapProxyHook(from uint64, id uint32, size uint64, dir ProxyDirection, trace TraceFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installRange(from, size, uint64(id), 0, false, dir.spteType(), trace)
}

// Unmap clears [from, from+size), freeing any sub-tables it owned. It is
// equivalent to Map(from, 0, size, 0).
func (pt *PageTable) Unmap(from, size uint64) error {
	return pt.Map(from, 0, size, 0)
}

// ResolveHook looks up a previously registered HOOK callback by id.
func (pt *PageTable) ResolveHook(id uint64) (HookFunc, bool) {
	pt.hookMu.Lock()
	defer pt.hookMu.Unlock()
	fn, ok := pt.hooks[id]
	return fn, ok
}

func (pt *PageTable) registerHook(fn HookFunc) uint64 {
	pt.hookMu.Lock()
	defer pt.hookMu.Unlock()
	id := pt.nextHookID
	pt.nextHookID++
	pt.hooks[id] = fn
	return id
}

// Walk resolves ipa to its final PTE: verbatim for an L4 entry, or the
// enclosing block/page's descriptor with the within-block IPA offset folded
// into TARGET. A zero return means ipa is entirely unmapped.
func (pt *PageTable) Walk(ipa uint64) (PTE, error) {
	if ipa >= uint64(1)<<IPABits {
		return 0, fmt.Errorf("%w: ipa 0x%x", ErrIPARange, ipa)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	l2idx := (ipa >> L2GranuleShift) & (L2Entries - 1)
	e2 := pt.l2[l2idx]

	if !isL2Table(e2) {
		if e2.IsZero() {
			return 0, nil
		}
		if !e2.Valid() && e2.SPTEType() != SPTEMap {
			return e2, nil // hook/proxy id: no address offset to fold in
		}
		offset := (ipa >> 2) & (1<<23 - 1) // ipa[24:14] | ipa[13:2]
		return e2.orTargetBits(offset), nil
	}

	l3 := pt.l2Children[l2idx]
	l3idx := (ipa >> L3GranuleShift) & (L3Entries - 1)
	e3 := l3.entries[l3idx]

	if !isL3Table(e3) {
		if e3.IsZero() {
			return 0, nil
		}
		if !e3.Valid() && e3.SPTEType() != SPTEMap {
			return e3, nil // hook/proxy id: no address offset to fold in
		}
		result := e3
		if e3.Valid() {
			result = PTE(uint64(result) &^ (lowerAttrMask << lowerAttrShift))
		}
		offset := (ipa >> 2) & (1<<12 - 1) // ipa[13:2]
		return result.orTargetBits(offset), nil
	}

	l4 := l3.children[l3idx]
	l4idx := (ipa >> L4GranuleShift) & (L4Entries - 1)
	return l4.entries[l4idx], nil
}

// installRange is the shared engine behind Map/MapHW/MapHook/MapProxyHook:
// it splits [from, from+size) into L2/L3/L4 segments, writing a leaf at the
// coarsest level that exactly covers each segment and descending only where
// it must. Callers must hold pt.mu.
func (pt *PageTable) installRange(from, size, to uint64, incr int, hw bool, spte SPTEType, trace TraceFlags) error {
	if err := validateAlignment(from, size, to, incr, hw, spte); err != nil {
		return err
	}

	end := from + size
	targetAt := func(ipa uint64) uint64 { return to + uint64(incr)*(ipa-from) }

	for ipa := from; ipa < end; {
		l2idx := (ipa >> L2GranuleShift) & (L2Entries - 1)
		l2Base, l2End := levelBounds(ipa, L2GranuleShift)
		segEnd := min(end, l2End)

		if ipa == l2Base && segEnd == l2End && pt.canWriteL2Leaf(hw, targetAt(ipa)) {
			if err := pt.setL2Leaf(l2idx, targetAt(ipa), hw, spte, trace); err != nil {
				return err
			}
			ipa = segEnd
			continue
		}

		l3, err := pt.ensureL3Table(l2idx)
		if err != nil {
			return err
		}

		for ipa < segEnd {
			l3idx := (ipa >> L3GranuleShift) & (L3Entries - 1)
			l3Base, l3End := levelBounds(ipa, L3GranuleShift)
			seg3End := min(segEnd, l3End)

			if ipa == l3Base && seg3End == l3End {
				if err := pt.setL3Leaf(l3, l3idx, targetAt(ipa), hw, spte, trace); err != nil {
					return err
				}
				ipa = seg3End
				continue
			}

			if hw {
				return fmt.Errorf("%w: HW mapping requires an L3-aligned sub-range at ipa 0x%x", ErrBadAlign, ipa)
			}

			l4, err := pt.ensureL4Table(l3, l3idx)
			if err != nil {
				return err
			}

			for ipa < seg3End {
				l4idx := (ipa >> L4GranuleShift) & (L4Entries - 1)
				pt.setL4Leaf(l4, l4idx, targetAt(ipa), spte, trace)
				ipa += L4Granule
			}
		}
	}

	return nil
}

func (pt *PageTable) canWriteL2Leaf(hw bool, target uint64) bool {
	if !hw {
		return true
	}
	return target%L2Granule == 0
}

// setL2Leaf overwrites L2[idx] with a direct leaf, first recursively
// freeing any L3 sub-table it previously owned (invariant: recursive free
// before overwrite).
func (pt *PageTable) setL2Leaf(idx uint64, target uint64, hw bool, spte SPTEType, trace TraceFlags) error {
	if isL2Table(pt.l2[idx]) {
		if err := freeL3(pt.alloc, pt.l2Children[idx]); err != nil {
			return fmt.Errorf("s2pt: overwrite L2[%d]: %w", idx, err)
		}
		pt.l2Children[idx] = nil
	}

	var leaf PTE
	if hw {
		leaf = makeHWEntry(storedTarget(target, true), LowerAttrRW)
	} else {
		leaf = makeSWLeaf(spte, storedTarget(target, addressLike(spte)), false)
	}
	pt.l2[idx] = leaf.withTrace(trace.Read, trace.Write, trace.Sync)
	return nil
}

// setL3Leaf overwrites l3.entries[idx], first recursively freeing any L4
// sub-table it previously owned.
func (pt *PageTable) setL3Leaf(l3 *l3Table, idx uint64, target uint64, hw bool, spte SPTEType, trace TraceFlags) error {
	if isL3Table(l3.entries[idx]) {
		if err := freeL4(pt.alloc, l3.children[idx]); err != nil {
			return fmt.Errorf("s2pt: overwrite L3[%d]: %w", idx, err)
		}
		l3.children[idx] = nil
	}

	var leaf PTE
	if hw {
		// At L3 (the last hardware level) a valid leaf is always a page,
		// so TYPE=1, unlike an L2 block where TYPE=0.
		leaf = PTE(uint64(makeHWEntry(storedTarget(target, true), LowerAttrRW)) | bitType)
	} else {
		leaf = makeSWLeaf(spte, storedTarget(target, addressLike(spte)), false)
	}
	l3.entries[idx] = leaf.withTrace(trace.Read, trace.Write, trace.Sync)
	return nil
}

// setL4Leaf overwrites l4.entries[idx]. L4 is always software-only and
// always the finest granule, so there is nothing to recurse into or free.
func (pt *PageTable) setL4Leaf(l4 *l4Table, idx uint64, target uint64, spte SPTEType, trace TraceFlags) {
	leaf := makeSWLeaf(spte, storedTarget(target, addressLike(spte)), true)
	l4.entries[idx] = leaf.withTrace(trace.Read, trace.Write, trace.Sync)
}

// ensureL3Table returns the L3 sub-table backing L2[l2idx], creating one
// and — if L2[l2idx] was previously a block entry — populating every child
// from that block's descriptor (invariants 6/7: preserve TARGET/attrs,
// replicated with a granule stride for a linear MAP/HW redirect, or a
// constant target for a HOOK/PROXY_HOOK_*).
func (pt *PageTable) ensureL3Table(l2idx uint64) (*l3Table, error) {
	if pt.l2Children[l2idx] != nil {
		return pt.l2Children[l2idx], nil
	}

	l3, err := newL3Table(pt.alloc)
	if err != nil {
		return nil, err
	}

	parent := pt.l2[l2idx]
	if !parent.IsZero() {
		stride := splitStride(parent, L3Granule)
		for i := 0; i < L3Entries; i++ {
			childTarget := parent.Target() + uint64(i)*stride
			if parent.Valid() {
				l3.entries[i] = PTE(uint64(makeHWEntry(childTarget, parent.LowerAttr())) | bitType)
			} else {
				l3.entries[i] = makeSWLeaf(parent.SPTEType(), childTarget, false)
			}
			l3.entries[i] = l3.entries[i].withTrace(parent.TraceRead(), parent.TraceWrite(), parent.SyncTrace())
		}
	}

	pt.l2Children[l2idx] = l3
	pt.l2[l2idx] = makeL2TableEntry(uint64(l3.physAddr) >> 2)
	return l3, nil
}

// ensureL4Table returns the L4 sub-table backing l3.entries[l3idx],
// creating one and populating it from the prior L3 entry. An existing
// hardware page is first lowered to a software MAP descriptor with the
// same TARGET, since hardware cannot see the L4 level at all.
func (pt *PageTable) ensureL4Table(l3 *l3Table, l3idx uint64) (*l4Table, error) {
	if l3.children[l3idx] != nil {
		return l3.children[l3idx], nil
	}

	l4, err := newL4Table(pt.alloc)
	if err != nil {
		return nil, err
	}

	parent := l3.entries[l3idx]
	if !parent.IsZero() {
		effective := parent
		if parent.Valid() {
			effective = makeSWLeaf(SPTEMap, parent.Target(), false).withTrace(parent.TraceRead(), parent.TraceWrite(), parent.SyncTrace())
		}
		stride := splitStride(effective, L4Granule)
		for i := 0; i < L4Entries; i++ {
			childTarget := effective.Target() + uint64(i)*stride
			l4.entries[i] = makeSWLeaf(effective.SPTEType(), childTarget, true).
				withTrace(effective.TraceRead(), effective.TraceWrite(), effective.SyncTrace())
		}
	}

	l3.children[l3idx] = l4
	l3.entries[l3idx] = makeL3TableEntry(uint64(l4.physAddr) >> 2)
	return l4, nil
}

// splitStride returns the per-child TARGET increment (in stored,
// divided-by-4 units) when distributing a parent block/page descriptor
// across childGranule-sized children: the full granule stride for a linear
// redirect (HW block/page or SW MAP), zero for a constant target
// (HOOK/PROXY_HOOK_*).
func splitStride(parent PTE, childGranule uint64) uint64 {
	if parent.Valid() {
		return childGranule >> 2
	}
	if parent.SPTEType() == SPTEMap {
		return childGranule >> 2
	}
	return 0
}

// addressLike reports whether spte's TARGET is a real output address (and
// therefore must be divided by 4 before storage) as opposed to an opaque
// hook/proxy id.
func addressLike(spte SPTEType) bool { return spte == SPTEMap }

func storedTarget(target uint64, addrLike bool) uint64 {
	if addrLike {
		return target >> 2
	}
	return target
}

func levelBounds(ipa uint64, shift uint64) (base, end uint64) {
	base = ipa &^ (uint64(1)<<shift - 1)
	end = base + uint64(1)<<shift
	return base, end
}

func validateAlignment(from, size, to uint64, incr int, hw bool, spte SPTEType) error {
	if from%L4Granule != 0 || size%L4Granule != 0 {
		return fmt.Errorf("%w: from 0x%x / size 0x%x must be 4-byte aligned", ErrBadAlign, from, size)
	}
	if from+size > uint64(1)<<IPABits {
		return fmt.Errorf("%w: [0x%x-0x%x)", ErrIPARange, from, from+size)
	}
	if hw {
		if from%L3Granule != 0 || size%L3Granule != 0 {
			return fmt.Errorf("%w: HW mapping requires from 0x%x / size 0x%x to be 16 KiB aligned", ErrBadAlign, from, size)
		}
		if to%L3Granule != 0 {
			return fmt.Errorf("%w: HW mapping target 0x%x must be 16 KiB aligned", ErrBadAlign, to)
		}
	} else if addressLike(spte) && incr != 0 && to%L4Granule != 0 {
		return fmt.Errorf("%w: MAP target 0x%x must be 4-byte aligned", ErrBadAlign, to)
	}
	return nil
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
