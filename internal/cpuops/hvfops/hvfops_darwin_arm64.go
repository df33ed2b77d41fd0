//go:build darwin && arm64

// Package hvfops is the real Hypervisor.framework backend for
// internal/cpuops.Ops, built the way
// _examples/tinyrange-cc/internal/hv/hvf binds the same framework via
// purego: dlopen once, then RegisterLibFunc each entry point needed.
//
// Hypervisor.framework never exposes true EL2 stage-2 control registers
// to the host process — it runs guest code at EL1/EL0 under its own
// automatically-managed stage-2 translation, driven by hv_vm_map and
// hv_vm_protect rather than a guest-visible VTCR_EL2/VTTBR_EL2 pair. So
// unlike internal/cpuops/cpuopstest's software fake, Backend cannot
// install internal/s2pt's table into hardware directly: instead, guest
// IPA space is a single hv_vm_map'd host buffer, and internal/s2pt's SW
// (HOOK/PROXY/SPTE) entries are enforced by hv_vm_protect-ing their
// range to no access, so a real guest access there still traps through
// to internal/abort exactly as the software fake models it.
package hvfops

import (
	"fmt"
	"unsafe"

	"github.com/tinyhv/bmhv/internal/cpuops"
)

// Backend is a cpuops.Ops implementation over one Hypervisor.framework
// vCPU and one hv_vm_map'd guest memory region.
type Backend struct {
	vcpu    uint64
	mem     []byte
	ipaBase uint64
}

// New creates a VM, maps a memSize-byte host buffer into the guest IPA
// space starting at ipaBase, and creates one vCPU.
func New(memSize int, ipaBase uint64) (*Backend, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	if r := hvVmCreate(0); r != hvSuccess {
		return nil, r.toError("hv_vm_create")
	}

	mem := make([]byte, memSize)
	flags := hvMemoryRead | hvMemoryWrite | hvMemoryExec
	if r := hvVmMap(unsafe.Pointer(&mem[0]), ipaBase, uint64(memSize), flags); r != hvSuccess {
		return nil, r.toError("hv_vm_map")
	}

	var vcpu uint64
	var exit uintptr
	if r := hvVcpuCreate(&vcpu, &exit, 0); r != hvSuccess {
		return nil, r.toError("hv_vcpu_create")
	}

	return &Backend{vcpu: vcpu, mem: mem, ipaBase: ipaBase}, nil
}

// Close destroys the backing vCPU. The VM and its memory mapping persist
// for the process's lifetime, matching Hypervisor.framework's one-VM-
// per-process model.
func (b *Backend) Close() error {
	return hvVcpuDestroy(b.vcpu).toError("hv_vcpu_destroy")
}

// ProtectHook marks [ipa, ipa+size) inaccessible so a real guest access
// there traps to the host, the hardware counterpart of internal/s2pt
// marking an IPA range HOOK/PROXY/SW instead of HW.
func (b *Backend) ProtectHook(ipa, size uint64) error {
	return hvVmProtect(ipa, size, 0).toError("hv_vm_protect")
}

func (b *Backend) ReadSysReg(reg cpuops.SysReg) (uint64, error) {
	enc, ok := sysRegEncodings[reg]
	if !ok {
		return 0, fmt.Errorf("hvfops: %s: %w", reg, cpuops.ErrUnsupportedSysReg)
	}
	var value uint64
	if r := hvVcpuGetSys(b.vcpu, enc, &value); r != hvSuccess {
		return 0, r.toError("hv_vcpu_get_sys_reg")
	}
	return value, nil
}

func (b *Backend) WriteSysReg(reg cpuops.SysReg, value uint64) error {
	enc, ok := sysRegEncodings[reg]
	if !ok {
		return fmt.Errorf("hvfops: %s: %w", reg, cpuops.ErrUnsupportedSysReg)
	}
	if r := hvVcpuSetSys(b.vcpu, enc, value); r != hvSuccess {
		return r.toError("hv_vcpu_set_sys_reg")
	}
	return nil
}

// TranslateStage1 is unimplemented: Hypervisor.framework exposes no AT
// instruction call through this binding, so resolving a guest virtual
// address requires walking the guest's own TTBR-rooted tables by hand,
// which this backend does not do. Only internal/cpuops/cpuopstest's
// software fake supports it, for unit tests that need it.
func (b *Backend) TranslateStage1(va uint64) (uint64, error) {
	return 0, fmt.Errorf("hvfops: translate 0x%x: %w", va, cpuops.ErrStage1Translation)
}

// ReadGPReg and WriteGPReg give a vCPU run loop access to the general
// registers by index: idx 0-30 for X0-X30 and 31 for Pc. This differs from
// internal/abort's AccessInfo.Register, where 31 names XZR.
func (b *Backend) ReadGPReg(idx int) (uint64, error) {
	reg, err := gpReg(idx)
	if err != nil {
		return 0, err
	}
	var value uint64
	if r := hvVcpuGetReg(b.vcpu, reg, &value); r != hvSuccess {
		return 0, r.toError("hv_vcpu_get_reg")
	}
	return value, nil
}

func (b *Backend) WriteGPReg(idx int, value uint64) error {
	reg, err := gpReg(idx)
	if err != nil {
		return err
	}
	if r := hvVcpuSetReg(b.vcpu, reg, value); r != hvSuccess {
		return r.toError("hv_vcpu_set_reg")
	}
	return nil
}

func gpReg(idx int) (hvReg, error) {
	switch {
	case idx >= 0 && idx <= 30:
		return hvRegX0 + hvReg(idx), nil
	case idx == 31:
		return hvRegPc, nil
	default:
		return 0, fmt.Errorf("hvfops: register index %d out of range", idx)
	}
}

func (b *Backend) ReadGuest(ipa uint64, data []byte) error {
	off, err := b.offset(ipa, len(data))
	if err != nil {
		return err
	}
	copy(data, b.mem[off:off+uint64(len(data))])
	return nil
}

func (b *Backend) WriteGuest(ipa uint64, data []byte) error {
	off, err := b.offset(ipa, len(data))
	if err != nil {
		return err
	}
	copy(b.mem[off:off+uint64(len(data))], data)
	return nil
}

func (b *Backend) offset(ipa uint64, length int) (uint64, error) {
	if ipa < b.ipaBase {
		return 0, fmt.Errorf("hvfops: ipa 0x%x below mapped base 0x%x", ipa, b.ipaBase)
	}
	off := ipa - b.ipaBase
	if off+uint64(length) > uint64(len(b.mem)) {
		return 0, fmt.Errorf("hvfops: ipa 0x%x length %d exceeds mapped region", ipa, length)
	}
	return off, nil
}

var _ cpuops.Ops = (*Backend)(nil)
