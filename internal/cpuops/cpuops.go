// Package cpuops names the privileged collaborator the stage-2 page table
// and the data-abort handler both depend on but never implement themselves:
// writing the translation-control system registers that activate a page
// table, and reading/writing guest memory by intermediate physical address.
// A real backend (internal/cpuops/hvfops) binds this to Apple's
// Hypervisor.framework; internal/cpuops/cpuopstest backs it with a flat byte
// arena for unit tests that never touch real virtualization hardware.
package cpuops

import "fmt"

// SysReg names a system register this package's callers need to read or
// write. Not every backend can honor every register — Hypervisor.framework,
// in particular, does not expose true EL2 stage-2 control registers to user
// space, so hvfops answers ErrUnsupportedSysReg for VTCREL2/VTTBREL2 and
// callers fall back to software-only bookkeeping for those.
type SysReg int

const (
	SysRegInvalid SysReg = iota

	// VTCREL2 controls the stage-2 translation granule, starting level, and
	// IPA size.
	VTCREL2
	// VTTBREL2 holds the stage-2 translation table base address (the root
	// L2 array's physical address).
	VTTBREL2

	// Registers captured on every guest exit, named the way hvf's own
	// hvfSysRegsToCapture list names them.
	SCTLREL1
	TCREL1
	TTBR0EL1
	TTBR1EL1
	MAIREL1
	VBAREL1
	ELREL1
	SPSREL1
	ESREL1
	FAREL1
	SPEL0
	SPEL1
	PAREL1
)

func (r SysReg) String() string {
	switch r {
	case VTCREL2:
		return "VTCR_EL2"
	case VTTBREL2:
		return "VTTBR_EL2"
	case SCTLREL1:
		return "SCTLR_EL1"
	case TCREL1:
		return "TCR_EL1"
	case TTBR0EL1:
		return "TTBR0_EL1"
	case TTBR1EL1:
		return "TTBR1_EL1"
	case MAIREL1:
		return "MAIR_EL1"
	case VBAREL1:
		return "VBAR_EL1"
	case ELREL1:
		return "ELR_EL1"
	case SPSREL1:
		return "SPSR_EL1"
	case ESREL1:
		return "ESR_EL1"
	case FAREL1:
		return "FAR_EL1"
	case SPEL0:
		return "SP_EL0"
	case SPEL1:
		return "SP_EL1"
	case PAREL1:
		return "PAR_EL1"
	default:
		return fmt.Sprintf("SysReg(%d)", int(r))
	}
}

// ErrUnsupportedSysReg is returned by a RegisterAccess backend for a
// register it has no way to read or write.
var ErrUnsupportedSysReg = fmt.Errorf("cpuops: system register not supported by this backend")

// RegisterAccess reads and writes privileged system registers on the
// current vCPU.
type RegisterAccess interface {
	ReadSysReg(reg SysReg) (uint64, error)
	WriteSysReg(reg SysReg, value uint64) error
}

// ErrStage1Translation is returned by AddressTranslator when a guest virtual
// address has no stage-1 mapping the handler can resolve (e.g. the guest's
// own page tables fault on it, which this package does not walk itself).
var ErrStage1Translation = fmt.Errorf("cpuops: stage-1 translation failed")

// AddressTranslator resolves a guest virtual address through the guest's
// own (stage-1) translation, the way the abort handler must when it needs
// to fetch the faulting instruction word itself because ESR_EL2 didn't
// summarize the access (ISV=0).
type AddressTranslator interface {
	TranslateStage1(va uint64) (ipa uint64, err error)
}

// GuestMemory gives word-width access to guest memory addressed by
// intermediate physical address, the way a HW-mapped or SW-MAP stage-2
// translation resolves it for the data-abort handler's load/store
// emulation.
type GuestMemory interface {
	ReadGuest(ipa uint64, data []byte) error
	WriteGuest(ipa uint64, data []byte) error
}

// Ops is the full privileged-operations surface the abort handler and PT's
// Init both consume.
type Ops interface {
	RegisterAccess
	AddressTranslator
	GuestMemory
}
