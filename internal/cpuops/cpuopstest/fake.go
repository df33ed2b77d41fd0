// Package cpuopstest backs cpuops.Ops with a flat in-process byte arena and
// an in-memory register file, so internal/s2pt and internal/abort can be
// exercised without a real Hypervisor.framework or KVM backend.
package cpuopstest

import (
	"fmt"

	"github.com/tinyhv/bmhv/internal/cpuops"
)

// Fake is a software stand-in for cpuops.Ops. Guest memory is a single flat
// byte slice indexed directly by IPA; callers are responsible for sizing it
// to cover whatever range their test maps.
type Fake struct {
	Mem  []byte
	Regs map[cpuops.SysReg]uint64

	// Stage1 maps a guest VA to an IPA for TranslateStage1. A test leaves
	// this nil (or the VA unmapped in it) to exercise the identity
	// fallback: VA == IPA, matching a guest that hasn't enabled its own
	// MMU yet.
	Stage1 map[uint64]uint64
}

// New returns a Fake with memSize bytes of zeroed guest memory.
func New(memSize int) *Fake {
	return &Fake{
		Mem:    make([]byte, memSize),
		Regs:   make(map[cpuops.SysReg]uint64),
		Stage1: make(map[uint64]uint64),
	}
}

func (f *Fake) TranslateStage1(va uint64) (uint64, error) {
	if ipa, ok := f.Stage1[va]; ok {
		return ipa, nil
	}
	return va, nil
}

func (f *Fake) ReadSysReg(reg cpuops.SysReg) (uint64, error) {
	return f.Regs[reg], nil
}

func (f *Fake) WriteSysReg(reg cpuops.SysReg, value uint64) error {
	f.Regs[reg] = value
	return nil
}

func (f *Fake) ReadGuest(ipa uint64, data []byte) error {
	end := ipa + uint64(len(data))
	if end > uint64(len(f.Mem)) {
		return fmt.Errorf("cpuopstest: read [0x%x-0x%x) exceeds arena size 0x%x", ipa, end, len(f.Mem))
	}
	copy(data, f.Mem[ipa:end])
	return nil
}

func (f *Fake) WriteGuest(ipa uint64, data []byte) error {
	end := ipa + uint64(len(data))
	if end > uint64(len(f.Mem)) {
		return fmt.Errorf("cpuopstest: write [0x%x-0x%x) exceeds arena size 0x%x", ipa, end, len(f.Mem))
	}
	copy(f.Mem[ipa:end], data)
	return nil
}
