package abort

import (
	"testing"

	"github.com/tinyhv/bmhv/internal/cpuops/cpuopstest"
	"github.com/tinyhv/bmhv/internal/hv"
	"github.com/tinyhv/bmhv/internal/palloc"
	"github.com/tinyhv/bmhv/internal/s2pt"
)

func newTestAllocator() palloc.Allocator { return palloc.NewMmapAllocator() }

// fakeFrame is a minimal hv.RegisterFrame backed by a plain array, in the
// teacher's manual-fake style (no mocking library).
type fakeFrame struct {
	regs [32]uint64
	pc   uint64
}

func (f *fakeFrame) GetRegister(r hv.Register) uint64 {
	if r == hv.RegisterXzr {
		return 0
	}
	return f.regs[r-hv.RegisterX0]
}

func (f *fakeFrame) SetRegister(r hv.Register, v uint64) {
	if r == hv.RegisterXzr {
		return
	}
	f.regs[r-hv.RegisterX0] = v
}

func (f *fakeFrame) PC() uint64     { return f.pc }
func (f *fakeFrame) SetPC(pc uint64) { f.pc = pc }

func newTestHandler(t *testing.T) (*Handler, *s2pt.PageTable, *cpuopstest.Fake) {
	t.Helper()
	pt := s2pt.New(newTestAllocator())
	if err := pt.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ops := cpuopstest.New(0x700000)
	h := &Handler{PT: pt, Ops: ops}
	return h, pt, ops
}

func TestHandleISVStoreToMAP(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA, backing = 0x2000, 0x4000
	if err := pt.MapSW(guestIPA, backing, 4, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	frame := &fakeFrame{}
	frame.SetRegister(hv.RegisterX3, 0xdeadbeef)

	// SAS=2 (4 bytes), SRT=3 (X3), WnR=1 (write), ISV=1.
	const iss = 1<<24 | 2<<22 | 3<<16 | 1<<6
	if err := h.Handle(guestIPA, 0x1000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var got [4]byte
	if err := ops.ReadGuest(backing, got[:]); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if uint32(got[0])|uint32(got[1])<<8|uint32(got[2])<<16|uint32(got[3])<<24 != 0xdeadbeef {
		t.Fatalf("backing memory = %x, want deadbeef", got)
	}
	if frame.PC() != 0x1004 {
		t.Fatalf("PC = 0x%x, want 0x1004 (advanced by 4)", frame.PC())
	}
}

func TestHandleISVLoadFromMAP(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA, backing = 0x3000, 0x5000
	if err := pt.MapSW(guestIPA, backing, 4, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}
	if err := ops.WriteGuest(backing, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}

	frame := &fakeFrame{}
	const iss = 1<<24 | 2<<22 | 5<<16 // SRT=5 (X5), read
	if err := h.Handle(guestIPA, 0x2000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := frame.GetRegister(hv.RegisterX5); got != 0x12345678 {
		t.Fatalf("X5 = 0x%x, want 0x12345678", got)
	}
}

func TestHandleHookDispatch(t *testing.T) {
	h, pt, _ := newTestHandler(t)

	const guestIPA = 0x9000
	var lastIPA uint64
	var lastWrite bool
	_, err := pt.MapHook(guestIPA, func(ipa uint64, value *uint64, isWrite bool, width int) error {
		lastIPA, lastWrite = ipa, isWrite
		if !isWrite {
			*value = 0x42
		}
		return nil
	}, 4, s2pt.TraceFlags{})
	if err != nil {
		t.Fatalf("MapHook: %v", err)
	}

	frame := &fakeFrame{}
	const iss = 1<<24 | 2<<22 | 2<<16 // read into X2
	if err := h.Handle(guestIPA, 0x3000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if lastIPA != guestIPA || lastWrite {
		t.Fatalf("hook saw ipa=0x%x write=%v", lastIPA, lastWrite)
	}
	if got := frame.GetRegister(hv.RegisterX2); got != 0x42 {
		t.Fatalf("X2 = 0x%x, want 0x42", got)
	}
}

func TestHandleProxyHookMatchingDirectionReachesProxy(t *testing.T) {
	h, pt, _ := newTestHandler(t)

	const guestIPA = 0xa000
	if err := pt.MapProxyHook(guestIPA, 9, 4, s2pt.ProxyRead, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	var sawWrite bool
	var sawID uint32
	h.Proxy = func(id uint32, ipa uint64, data []byte, write bool) (bool, error) {
		sawID, sawWrite = id, write
		return true, nil
	}

	frame := &fakeFrame{}
	// A read against a PROXY_HOOK_R entry matches its declared direction
	// and reaches the proxy.
	const iss = 1<<24 | 2<<22 | 1<<16
	if err := h.Handle(guestIPA, 0x4000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sawID != 9 || sawWrite {
		t.Fatalf("proxy saw id=%d write=%v, want id=9 write=false", sawID, sawWrite)
	}
}

func TestHandleProxyHookROnWriteFallsThroughToMap(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA = 0xa000
	if err := pt.MapProxyHook(guestIPA, 9, 4, s2pt.ProxyRead, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	h.Proxy = func(id uint32, ipa uint64, data []byte, write bool) (bool, error) {
		t.Fatalf("proxy should not be reached for a write against PROXY_HOOK_R")
		return false, nil
	}

	frame := &fakeFrame{}
	frame.SetRegister(hv.RegisterX1, 0xdeadbeef)
	// A write landing on a PROXY_HOOK_R (read-only) entry falls through to
	// the MAP path against the IPA itself, never reaching the proxy.
	const iss = 1<<24 | 2<<22 | 1<<16 | 1<<6
	if err := h.Handle(guestIPA, 0x4000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var got [4]byte
	if err := ops.ReadGuest(guestIPA, got[:]); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if uint32(got[0])|uint32(got[1])<<8|uint32(got[2])<<16|uint32(got[3])<<24 != 0xdeadbeef {
		t.Fatalf("ipa contents = %x, want deadbeef", got)
	}
}

func TestHandleProxyHookWOnReadFallsThroughToMap(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA = 0xb000
	if err := pt.MapProxyHook(guestIPA, 9, 4, s2pt.ProxyWrite, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}
	if err := ops.WriteGuest(guestIPA, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}

	h.Proxy = func(id uint32, ipa uint64, data []byte, write bool) (bool, error) {
		t.Fatalf("proxy should not be reached for a read against PROXY_HOOK_W")
		return false, nil
	}

	frame := &fakeFrame{}
	// A read against a PROXY_HOOK_W (write-only) entry falls through to
	// the MAP path against the IPA itself, never reaching the proxy.
	const iss = 1<<24 | 2<<22 | 4<<16 // read into X4
	if err := h.Handle(guestIPA, 0x5000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := frame.GetRegister(hv.RegisterX4); got != 0x12345678 {
		t.Fatalf("X4 = 0x%x, want 0x12345678", got)
	}
}

func TestHandleProxyHookRWAlwaysReachesProxy(t *testing.T) {
	h, pt, _ := newTestHandler(t)

	const guestIPA = 0xc000
	if err := pt.MapProxyHook(guestIPA, 11, 4, s2pt.ProxyReadWrite, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	var sawWrite bool
	h.Proxy = func(id uint32, ipa uint64, data []byte, write bool) (bool, error) {
		sawWrite = write
		return true, nil
	}

	frame := &fakeFrame{}
	frame.SetRegister(hv.RegisterX1, 0xff)
	const iss = 1<<24 | 2<<22 | 1<<16 | 1<<6 // write
	if err := h.Handle(guestIPA, 0x6000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !sawWrite {
		t.Fatalf("proxy saw write=false, want true")
	}
}

func TestHandleUnmappedIPA(t *testing.T) {
	h, _, _ := newTestHandler(t)
	frame := &fakeFrame{}
	const iss = 1<<24 | 2<<22 | 1<<16
	if err := h.Handle(0x12345, 0x1000, iss, frame); err == nil {
		t.Fatalf("expected error for unmapped ipa")
	}
}

func TestHandleTraceWriteFiresBeforePCAdvance(t *testing.T) {
	h, pt, _ := newTestHandler(t)

	const guestIPA, backing = 0x500000, 0x500000
	if err := pt.MapSW(guestIPA, backing, 4, s2pt.TraceFlags{Write: true}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	var gotPC, gotIPA, gotValue uint64
	var gotWidth int
	var gotWrite, gotSync bool
	h.OnTrace = func(pc, ipa uint64, width int, write bool, value uint64, sync bool) {
		gotPC, gotIPA, gotWidth, gotWrite, gotValue, gotSync = pc, ipa, width, write, value, sync
	}

	frame := &fakeFrame{}
	frame.SetRegister(hv.RegisterX1, 0x1234)
	// SAS=1 (2 bytes), SRT=1 (X1), WnR=1 (write), ISV=1.
	const iss = 1<<24 | 1<<22 | 1<<16 | 1<<6
	if err := h.Handle(guestIPA, 0x7000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotPC != 0x7000 || gotIPA != guestIPA || gotWidth != 2 || !gotWrite || gotValue != 0x1234 || gotSync {
		t.Fatalf("trace = pc=0x%x ipa=0x%x width=%d write=%v value=0x%x sync=%v", gotPC, gotIPA, gotWidth, gotWrite, gotValue, gotSync)
	}
	if frame.PC() != 0x7004 {
		t.Fatalf("PC = 0x%x, want 0x7004", frame.PC())
	}
}

func TestHandleInstructionDecodeFallbackWithWriteback(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA, backing = 0x600000, 0x600000
	if err := pt.MapSW(guestIPA, backing, 4, s2pt.TraceFlags{}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	// STR (imm) pre/post-index, value 0x38000400, Rn=6, Rt=4, imm9=8.
	const elr = 0x9000
	instr := uint32(0x38000400) | (8 << 12) | (6 << 5) | 4
	var instrBytes [4]byte
	instrBytes[0] = byte(instr)
	instrBytes[1] = byte(instr >> 8)
	instrBytes[2] = byte(instr >> 16)
	instrBytes[3] = byte(instr >> 24)
	if err := ops.WriteGuest(elr, instrBytes[:]); err != nil {
		t.Fatalf("WriteGuest(instr): %v", err)
	}

	frame := &fakeFrame{}
	frame.SetRegister(hv.RegisterX4, 0xAB)
	frame.SetRegister(hv.RegisterX6, 0x100)

	// ISV=0 so Handle falls back to instruction fetch + decode.
	const iss = 0
	if err := h.Handle(guestIPA, elr, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var got [1]byte
	if err := ops.ReadGuest(backing, got[:]); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("stored byte = 0x%x, want 0xAB", got[0])
	}
	if frame.GetRegister(hv.RegisterX6) != 0x108 {
		t.Fatalf("X6 (writeback base) = 0x%x, want 0x108", frame.GetRegister(hv.RegisterX6))
	}
	if frame.PC() != elr+4 {
		t.Fatalf("PC = 0x%x, want 0x%x", frame.PC(), elr+4)
	}
}

func TestHandleTraceReadIgnoresWriteOnlyFlag(t *testing.T) {
	h, pt, ops := newTestHandler(t)

	const guestIPA, backing = 0x510000, 0x510000
	if err := pt.MapSW(guestIPA, backing, 4, s2pt.TraceFlags{Write: true}); err != nil {
		t.Fatalf("MapSW: %v", err)
	}
	if err := ops.WriteGuest(backing, []byte{0x01, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}

	traced := false
	h.OnTrace = func(pc, ipa uint64, width int, write bool, value uint64, sync bool) {
		traced = true
	}

	frame := &fakeFrame{}
	const iss = 1<<24 | 2<<22 | 1<<16 // read, no write bit
	if err := h.Handle(guestIPA, 0x8000, iss, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if traced {
		t.Fatalf("expected no trace: PTE has TRACE_WRITE only, access was a read")
	}
}
