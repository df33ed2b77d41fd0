package abort

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyhv/bmhv/internal/cpuops"
	"github.com/tinyhv/bmhv/internal/hv"
	"github.com/tinyhv/bmhv/internal/s2pt"
)

// ProxyTransfer is how the handler hands a guarded memory access to the
// UART proxy for a PROXY_HOOK_* entry: id is the SPTE's carried identifier,
// data is read in place for a read and holds the value to send for a
// write. It returns false if the proxy guarded the transfer away (its
// RETURN/SKIP semantics), in which case the handler must not commit a
// register write.
type ProxyTransfer func(id uint32, ipa uint64, data []byte, write bool) (ok bool, err error)

// TraceEvent is called after a completed access whose resolved PTE has
// TRACE_READ/TRACE_WRITE set for the direction actually performed, letting
// the UART proxy emit a host-bound MMIOTRACE event. pc is the faulting
// ELR (pre-advance), ipa the faulting address, width/write/value the
// decoded access, and sync reports whether SYNC_TRACE was also set (the
// event is to be flushed to the device right after it is queued).
type TraceEvent func(pc uint64, ipa uint64, width int, write bool, value uint64, sync bool)

// Handler resolves a data abort against a stage-2 page table and completes
// (or delegates) the access it names.
type Handler struct {
	PT     *s2pt.PageTable
	Ops    cpuops.Ops
	Proxy  ProxyTransfer
	OnTrace TraceEvent
}

// Handle processes one data abort. far is the faulting IPA (as hardware
// reports it for a stage-2 fault), elr is the guest PC that trapped, iss is
// the ESR_EL2 ISS field, and frame gives access to the guest's general
// registers and PC.
func (h *Handler) Handle(far uint64, elr uint64, iss uint32, frame hv.RegisterFrame) error {
	access, ok := DecodeISS(iss)
	if !ok {
		instr, err := h.fetchInstruction(elr)
		if err != nil {
			return fmt.Errorf("abort: fetch faulting instruction at 0x%x: %w", elr, err)
		}
		access, err = DecodeInstruction(instr)
		if err != nil {
			return err
		}
	}

	reg, ok := hv.RegisterFromIndex(access.Register)
	if !ok {
		return fmt.Errorf("abort: bad target register index %d", access.Register)
	}

	// Pre/post-indexed forms both leave Rn holding base+imm9 once the
	// instruction retires; FAR already reflects the translated address, so
	// the only work left here is committing the new base register value —
	// this is the "first pass" of spec step 7, resolved before the access
	// itself is performed.
	if access.HasWriteback {
		wbReg, ok := hv.RegisterFromIndex(access.WritebackReg)
		if !ok {
			return fmt.Errorf("abort: bad writeback base register index %d", access.WritebackReg)
		}
		base := frame.GetRegister(wbReg)
		frame.SetRegister(wbReg, uint64(int64(base)+access.WritebackOffset))
	}

	pte, err := h.PT.Walk(far)
	if err != nil {
		return fmt.Errorf("abort: walk ipa 0x%x: %w", far, err)
	}
	if pte.IsZero() {
		return fmt.Errorf("%w: ipa 0x%x", ErrIPAUnmapped, far)
	}
	if pte.Valid() {
		return fmt.Errorf("%w: ipa 0x%x", ErrHWMappedFault, far)
	}

	data := make([]byte, access.Width)

	if access.Write {
		value := frame.GetRegister(reg)
		putWidth(data, value, access.Width)
	}

	committed, err := h.dispatch(pte, far, data, access.Write)
	if err != nil {
		return err
	}

	if !access.Write && committed {
		value := getWidth(data, access.Width, access.SignExtend)
		frame.SetRegister(reg, value)
	}

	h.maybeTrace(pte, elr, far, access, data)

	frame.SetPC(elr + 4)
	return nil
}

// dispatch resolves a software PTE by its SPTE_TYPE. It returns committed
// = false only when a PROXY_HOOK_* transfer was guarded away by the proxy
// (RETURN/SKIP), in which case the caller must not touch guest registers.
func (h *Handler) dispatch(pte s2pt.PTE, ipa uint64, data []byte, write bool) (committed bool, err error) {
	kind := pte.SPTEType()

	switch kind {
	case s2pt.SPTEMap:
		target := pte.Target() << 2
		if write {
			return true, h.Ops.WriteGuest(target, data)
		}
		return true, h.Ops.ReadGuest(target, data)

	case s2pt.SPTEHook:
		fn, ok := h.PT.ResolveHook(pte.Target())
		if !ok {
			return false, fmt.Errorf("abort: ipa 0x%x names unknown hook id %d", ipa, pte.Target())
		}
		value := getWidth(data, len(data), false)
		if err := fn(ipa, &value, write, len(data)); err != nil {
			return false, fmt.Errorf("abort: hook at ipa 0x%x: %w", ipa, err)
		}
		if !write {
			putWidth(data, value, len(data))
		}
		return true, nil

	case s2pt.SPTEProxyHookR, s2pt.SPTEProxyHookW, s2pt.SPTEProxyHookRW:
		// PROXY_HOOK_R on a write, or PROXY_HOOK_W on a read, is the
		// non-proxied direction for that hook kind: it falls through to
		// the MAP path against ipa itself rather than reaching the proxy,
		// which assumes ipa is directly addressable from the hypervisor
		// (flagged as an Open Question; preserved as-is here).
		if (kind == s2pt.SPTEProxyHookR && write) || (kind == s2pt.SPTEProxyHookW && !write) {
			if write {
				return true, h.Ops.WriteGuest(ipa, data)
			}
			return true, h.Ops.ReadGuest(ipa, data)
		}

		if h.Proxy == nil {
			return false, fmt.Errorf("abort: ipa 0x%x is a proxy hook but no proxy is wired", ipa)
		}
		id := uint32(pte.Target())
		return h.Proxy(id, ipa, data, write)

	default:
		return false, fmt.Errorf("abort: ipa 0x%x has unrecognized SPTE_TYPE %s", ipa, kind)
	}
}

func (h *Handler) maybeTrace(pte s2pt.PTE, pc, ipa uint64, access AccessInfo, data []byte) {
	if h.OnTrace == nil {
		return
	}
	traced := (access.Write && pte.TraceWrite()) || (!access.Write && pte.TraceRead())
	if !traced {
		return
	}
	value := getWidth(data, access.Width, false)
	h.OnTrace(pc, ipa, access.Width, access.Write, value, pte.SyncTrace())
}

func (h *Handler) fetchInstruction(elr uint64) (uint32, error) {
	ipa, err := h.Ops.TranslateStage1(elr)
	if err != nil {
		return 0, fmt.Errorf("%w: va 0x%x: %v", cpuops.ErrStage1Translation, elr, err)
	}
	var buf [4]byte
	if err := h.Ops.ReadGuest(ipa, buf[:]); err != nil {
		return 0, fmt.Errorf("abort: read instruction at ipa 0x%x: %w", ipa, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func putWidth(data []byte, value uint64, width int) {
	switch width {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(data, value)
	}
}

func getWidth(data []byte, width int, signExtend bool) uint64 {
	var raw uint64
	switch width {
	case 1:
		raw = uint64(data[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(data))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(data))
	case 8:
		raw = binary.LittleEndian.Uint64(data)
	}
	if !signExtend {
		return raw
	}
	switch width {
	case 1:
		return uint64(int64(int8(raw)))
	case 2:
		return uint64(int64(int16(raw)))
	case 4:
		return uint64(int64(int32(raw)))
	default:
		return raw
	}
}
