//go:build darwin && arm64

package hvfops

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyhv/bmhv/internal/cpuops"
)

// The dlopen/RegisterLibFunc pattern below, the hvReturn/hvMemoryFlags enums,
// and the sys-register encoding helper are grounded on
// _examples/tinyrange-cc/internal/hv/hvf/hvf_bindings_darwin_arm64.go,
// scoped down to only the handful of Hypervisor.framework entry points
// cpuops.Ops needs: creating a VM and one vCPU, mapping host memory into
// the guest IPA space, and reading/writing general and system registers
// on that vCPU.

const hypervisorFrameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

type hvReturn uint32

const (
	hvSuccess     hvReturn = 0x00000000
	hvError       hvReturn = 0xFAE94001
	hvUnsupported hvReturn = 0xFAE9400F
)

func (r hvReturn) toError(op string) error {
	if r == hvSuccess {
		return nil
	}
	return fmt.Errorf("hvfops: %s: hv_return 0x%08x", op, uint32(r))
}

type hvMemoryFlags uint64

const (
	hvMemoryRead  hvMemoryFlags = 1 << 0
	hvMemoryWrite hvMemoryFlags = 1 << 1
	hvMemoryExec  hvMemoryFlags = 1 << 2
)

type hvReg uint32

const (
	hvRegX0 hvReg = iota
	hvRegX1
	hvRegX2
	hvRegX3
	hvRegX4
	hvRegX5
	hvRegX6
	hvRegX7
	hvRegX8
	hvRegX9
	hvRegX10
	hvRegX11
	hvRegX12
	hvRegX13
	hvRegX14
	hvRegX15
	hvRegX16
	hvRegX17
	hvRegX18
	hvRegX19
	hvRegX20
	hvRegX21
	hvRegX22
	hvRegX23
	hvRegX24
	hvRegX25
	hvRegX26
	hvRegX27
	hvRegX28
	hvRegX29
	hvRegX30
	hvRegPc
)

type hvSysReg uint32

func makeHvSysReg(op0, op1, crn, crm, op2 uint32) hvSysReg {
	return hvSysReg(((op0 & 0x3) << 14) |
		((op1 & 0x7) << 11) |
		((crn & 0xF) << 7) |
		((crm & 0xF) << 3) |
		(op2 & 0x7))
}

// sysRegEncodings maps the subset of cpuops.SysReg this backend can honor
// to their ARM64 op0/op1/CRn/CRm/op2 system-register encodings. VTCREL2
// and VTTBREL2 are deliberately absent: Hypervisor.framework runs guest
// code at EL1/EL0 under its own automatically-managed stage-2 (driven by
// hv_vm_map/hv_vm_protect, below), and never exposes true EL2 control
// registers to the host process.
var sysRegEncodings = map[cpuops.SysReg]hvSysReg{
	cpuops.SCTLREL1: makeHvSysReg(3, 0, 1, 0, 0),
	cpuops.TCREL1:   makeHvSysReg(3, 0, 2, 0, 2),
	cpuops.TTBR0EL1: makeHvSysReg(3, 0, 2, 0, 0),
	cpuops.TTBR1EL1: makeHvSysReg(3, 0, 2, 0, 1),
	cpuops.MAIREL1:  makeHvSysReg(3, 0, 10, 2, 0),
	cpuops.VBAREL1:  makeHvSysReg(3, 0, 12, 0, 0),
	cpuops.ELREL1:   makeHvSysReg(3, 0, 4, 0, 1),
	cpuops.SPSREL1:  makeHvSysReg(3, 0, 4, 0, 0),
	cpuops.ESREL1:   makeHvSysReg(3, 0, 5, 2, 0),
	cpuops.FAREL1:   makeHvSysReg(3, 0, 6, 0, 0),
	cpuops.SPEL0:    hvSysReg(0xe20c),
	cpuops.SPEL1:    hvSysReg(0xe208),
	cpuops.PAREL1:   makeHvSysReg(3, 0, 7, 4, 0),
}

var (
	hvOnce sync.Once
	hvErr  error

	libHypervisor uintptr

	hvVmCreate    func(config uintptr) hvReturn
	hvVmMap       func(addr unsafe.Pointer, ipa uint64, size uint64, flags hvMemoryFlags) hvReturn
	hvVmProtect   func(ipa uint64, size uint64, flags hvMemoryFlags) hvReturn
	hvVcpuCreate  func(vcpu *uint64, exit *uintptr, config uintptr) hvReturn
	hvVcpuDestroy func(vcpu uint64) hvReturn
	hvVcpuGetReg  func(vcpu uint64, reg hvReg, value *uint64) hvReturn
	hvVcpuSetReg  func(vcpu uint64, reg hvReg, value uint64) hvReturn
	hvVcpuGetSys  func(vcpu uint64, reg hvSysReg, value *uint64) hvReturn
	hvVcpuSetSys  func(vcpu uint64, reg hvSysReg, value uint64) hvReturn
)

func ensureInitialized() error {
	hvOnce.Do(func() {
		if runtime.GOARCH != "arm64" || runtime.GOOS != "darwin" {
			hvErr = fmt.Errorf("hvfops: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
			return
		}

		var err error
		libHypervisor, err = purego.Dlopen(hypervisorFrameworkPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			hvErr = fmt.Errorf("hvfops: dlopen Hypervisor.framework: %w", err)
			return
		}

		register := func(sym any, name string) {
			if hvErr != nil {
				return
			}
			purego.RegisterLibFunc(sym, libHypervisor, name)
		}

		register(&hvVmCreate, "hv_vm_create")
		register(&hvVmMap, "hv_vm_map")
		register(&hvVmProtect, "hv_vm_protect")
		register(&hvVcpuCreate, "hv_vcpu_create")
		register(&hvVcpuDestroy, "hv_vcpu_destroy")
		register(&hvVcpuGetReg, "hv_vcpu_get_reg")
		register(&hvVcpuSetReg, "hv_vcpu_set_reg")
		register(&hvVcpuGetSys, "hv_vcpu_get_sys_reg")
		register(&hvVcpuSetSys, "hv_vcpu_set_sys_reg")
	})
	return hvErr
}
