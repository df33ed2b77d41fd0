package s2pt

import (
	"errors"
	"testing"

	"github.com/tinyhv/bmhv/internal/palloc"
)

func newTestTable(t *testing.T) *PageTable {
	t.Helper()
	pt := New(palloc.NewMmapAllocator())
	if err := pt.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return pt
}

func TestMapHWRoundTrip(t *testing.T) {
	pt := newTestTable(t)

	const from, to, size = 0x4000_0000, 0x1_0000_0000, 2 * L3Granule
	if err := pt.MapHW(from, to, size); err != nil {
		t.Fatalf("MapHW: %v", err)
	}

	for _, off := range []uint64{0, 4, L3Granule - 4, L3Granule, L3Granule + 0x100} {
		pte, err := pt.Walk(from + off)
		if err != nil {
			t.Fatalf("Walk(+0x%x): %v", off, err)
		}
		if !pte.Valid() {
			t.Fatalf("Walk(+0x%x): not valid", off)
		}
		want := (to + off) >> 2
		if pte.Target() != want {
			t.Fatalf("Walk(+0x%x): target = 0x%x, want 0x%x", off, pte.Target(), want)
		}
	}
}

func TestMapSWLinearRedirect(t *testing.T) {
	pt := newTestTable(t)

	const from, to, size = 0x1000, 0x9000, 0x4000
	if err := pt.MapSW(from, to, size, TraceFlags{}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	for _, off := range []uint64{0, 4, 0x100, size - 4} {
		pte, err := pt.Walk(from + off)
		if err != nil {
			t.Fatalf("Walk(+0x%x): %v", off, err)
		}
		if pte.Valid() {
			t.Fatalf("Walk(+0x%x): expected SW entry, got HW", off)
		}
		if pte.SPTEType() != SPTEMap {
			t.Fatalf("Walk(+0x%x): kind = %s, want MAP", off, pte.SPTEType())
		}
		want := (to + off) >> 2
		if pte.Target() != want {
			t.Fatalf("Walk(+0x%x): target = 0x%x, want 0x%x", off, pte.Target(), want)
		}
	}
}

func TestMapHookSplitsExistingBlock(t *testing.T) {
	pt := newTestTable(t)

	const base = 0x8000_0000
	if err := pt.MapHW(base, 0x2000_0000, L2Granule); err != nil {
		t.Fatalf("MapHW: %v", err)
	}

	hookAddr := uint64(base + 3*L3Granule + 0x40)
	var seen uint64
	id, err := pt.MapHook(hookAddr, func(ipa uint64, value *uint64, isWrite bool, width int) error {
		seen = ipa
		return nil
	}, 4, TraceFlags{})
	if err != nil {
		t.Fatalf("MapHook: %v", err)
	}

	pte, err := pt.Walk(hookAddr)
	if err != nil {
		t.Fatalf("Walk(hook): %v", err)
	}
	if pte.Valid() {
		t.Fatalf("Walk(hook): expected SW entry")
	}
	if pte.SPTEType() != SPTEHook {
		t.Fatalf("Walk(hook): kind = %s, want HOOK", pte.SPTEType())
	}
	if pte.Target() != id {
		t.Fatalf("Walk(hook): target = %d, want hook id %d", pte.Target(), id)
	}

	fn, ok := pt.ResolveHook(id)
	if !ok {
		t.Fatalf("ResolveHook(%d): not found", id)
	}
	var v uint64
	if err := fn(hookAddr, &v, false, 4); err != nil {
		t.Fatalf("hook fn: %v", err)
	}
	if seen != hookAddr {
		t.Fatalf("hook fn saw ipa 0x%x, want 0x%x", seen, hookAddr)
	}

	// A neighboring word in the same 16 KiB page now lives in the L4 table
	// the split created: it must resolve to a SW MAP entry that still
	// carries the original linear redirect's target.
	neighbor := uint64(base + 3*L3Granule + 0x44)
	npte, err := pt.Walk(neighbor)
	if err != nil {
		t.Fatalf("Walk(neighbor): %v", err)
	}
	if npte.Valid() || npte.SPTEType() != SPTEMap {
		t.Fatalf("Walk(neighbor): expected SW MAP entry preserving the split page's target")
	}
	wantTarget := (uint64(0x2000_0000) + 3*L3Granule + 0x44) >> 2
	if npte.Target() != wantTarget {
		t.Fatalf("Walk(neighbor): target = 0x%x, want 0x%x", npte.Target(), wantTarget)
	}

	// A different 16 KiB page further along the same 32 MiB block must
	// also remain an intact HW page (not descended into L4).
	farAddr := uint64(base + 10*L3Granule + 8)
	fpte, err := pt.Walk(farAddr)
	if err != nil {
		t.Fatalf("Walk(far): %v", err)
	}
	if !fpte.Valid() {
		t.Fatalf("Walk(far): expected HW entry")
	}
}

func TestMapProxyHookCarriesID(t *testing.T) {
	pt := newTestTable(t)

	const addr = 0x2000
	if err := pt.MapProxyHook(addr, 7, 4, ProxyReadWrite, TraceFlags{}); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	pte, err := pt.Walk(addr)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if pte.SPTEType() != SPTEProxyHookRW {
		t.Fatalf("kind = %s, want PROXY_HOOK_RW", pte.SPTEType())
	}
	if pte.Target() != 7 {
		t.Fatalf("target = %d, want 7", pte.Target())
	}
}

func TestTraceBitsSurvivePTE(t *testing.T) {
	pt := newTestTable(t)

	const addr = 0x500000
	if err := pt.MapSW(addr, 0x1000, 4, TraceFlags{Write: true}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	pte, err := pt.Walk(addr)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if !pte.TraceWrite() {
		t.Fatalf("expected TRACE_WRITE set")
	}
	if pte.TraceRead() {
		t.Fatalf("expected TRACE_READ clear")
	}
}

func TestUnmapFreesSubtables(t *testing.T) {
	pt := newTestTable(t)

	const addr = 0x100
	if err := pt.MapSW(addr, 0x9000, 4, TraceFlags{}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}
	if err := pt.Unmap(addr&^(L2Granule-1), L2Granule); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	pte, err := pt.Walk(addr)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if !pte.IsZero() {
		t.Fatalf("expected zero entry after unmap, got 0x%x", uint64(pte))
	}
}

func TestBadAlignmentRejected(t *testing.T) {
	pt := newTestTable(t)

	if err := pt.MapHW(0x1000, 0x2000_0000, 0x10); err == nil {
		t.Fatalf("expected ErrBadAlign for sub-L3-granule HW mapping")
	} else if !errors.Is(err, ErrBadAlign) {
		t.Fatalf("got %v, want ErrBadAlign", err)
	}

	if err := pt.MapSW(0x1001, 0x9000, 4, TraceFlags{}); err == nil {
		t.Fatalf("expected ErrBadAlign for unaligned from")
	} else if !errors.Is(err, ErrBadAlign) {
		t.Fatalf("got %v, want ErrBadAlign", err)
	}
}

func TestWalkOutOfRange(t *testing.T) {
	pt := newTestTable(t)
	if _, err := pt.Walk(uint64(1) << IPABits); err == nil {
		t.Fatalf("expected ErrIPARange")
	} else if !errors.Is(err, ErrIPARange) {
		t.Fatalf("got %v, want ErrIPARange", err)
	}
}
