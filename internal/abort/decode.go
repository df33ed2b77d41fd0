// Package abort implements the data-abort handler: given a faulting guest
// PC/ELR, the ESR_EL2 syndrome, and the faulting IPA, it resolves the
// access through the stage-2 page table and either completes it directly
// (HW/MAP), calls back into a registered hook, or hands it to the UART
// proxy as a guarded memory transfer (PROXY_HOOK_{R,W,RW}).
package abort

import "fmt"

// AccessInfo is what either ISS decode path (syndrome fast-path or full
// instruction decode) produces: enough to read or write the right register
// with the right width and sign-extension, plus any base-register
// writeback a pre/post-indexed form requires.
type AccessInfo struct {
	Register   int  // 0-30 for X0-X30, 31 for XZR
	Width      int  // access size in bytes: 1, 2, 4, or 8
	Write      bool // true = store (register -> memory)
	SignExtend bool // true = LDRS*: sign-extend a sub-word load into the register

	HasWriteback    bool
	WritebackReg    int   // Rn, the base register receiving the writeback
	WritebackOffset int64 // sign-extended imm9 to add to Rn
}

// ErrUnsupportedEncoding is returned when neither the ISS fast path nor the
// instruction mask/value table recognizes the faulting instruction.
var ErrUnsupportedEncoding = fmt.Errorf("abort: unsupported load/store encoding")

// DecodeISS decodes the ESR_EL2 ISS fast path available when ISV=1: bit 24
// is ISV itself, bits 23:22 are SAS (access size), bit 16+ SRT (target
// register), bit 6 WnR (write not read). This mirrors the common case real
// hardware reports for a plain LDR/STR without sign-extension or
// post/pre-index writeback — ISV is only set by hardware for forms that
// need no further decode, so a fast-path hit never carries writeback.
func DecodeISS(iss uint32) (AccessInfo, bool) {
	const (
		isvBit   = 24
		sasShift = 22
		sasMask  = 0x3
		srtShift = 16
		srtMask  = 0x1F
		wnrBit   = 6
	)

	if (iss>>isvBit)&1 == 0 {
		return AccessInfo{}, false
	}

	sas := (iss >> sasShift) & sasMask
	srt := int((iss >> srtShift) & srtMask)

	return AccessInfo{
		Register: srt,
		Width:    1 << sas,
		Write:    (iss>>wnrBit)&1 == 1,
	}, true
}

// instrEncoding is one row of the mask/value decode table consulted when
// ISV=0: the pre/post-indexed, unsigned-offset, and register-offset
// load/store forms, matched by mask/value pair exactly as named in the
// encoding table (mask, value, form).
type instrEncoding struct {
	name       string
	mask       uint32
	value      uint32
	write      bool
	signExtend bool
	writeback  bool // pre/post-index: Rn + imm9 both addresses and writes back
}

var loadStoreTable = []instrEncoding{
	{name: "LDR (imm) pre/post-index", mask: 0x3fe00400, value: 0x38400400, writeback: true},
	{name: "LDR (imm) unsigned offset", mask: 0x3fc00000, value: 0x39400000},
	{name: "LDRS (imm) pre/post-index", mask: 0x3fa00400, value: 0x38800400, signExtend: true, writeback: true},
	{name: "LDRS (imm) unsigned offset", mask: 0x3fa00000, value: 0x39800000, signExtend: true},
	{name: "LDR (reg)", mask: 0x3fe04c00, value: 0x38604800},
	{name: "LDRS (reg)", mask: 0x3fa04c00, value: 0x38a04800, signExtend: true},
	{name: "STR (imm) pre/post-index", mask: 0x3fe00400, value: 0x38000400, write: true, writeback: true},
	{name: "STR (imm) unsigned offset", mask: 0x3fc00000, value: 0x39000000, write: true},
	{name: "STR (reg)", mask: 0x3fe04c00, value: 0x38204800, write: true},
}

// rtField and rnField extract the transfer and base registers common to
// every addressing form this table recognizes.
func rtField(instr uint32) int { return int(instr & 0x1F) }
func rnField(instr uint32) int { return int((instr >> 5) & 0x1F) }

// signExtendImm9 sign-extends the 9-bit field at bits[20:12], used by the
// pre/post-indexed forms' writeback offset.
func signExtendImm9(instr uint32) int64 {
	raw := int64((instr >> 12) & 0x1FF)
	if raw&0x100 != 0 {
		raw -= 0x200
	}
	return raw
}

// DecodeInstruction falls back to a literal mask/value match against the
// 32-bit instruction word the guest faulted on, for the forms ESR_EL2's
// ISV bit does not summarize. Width is always insn[31:30] regardless of
// form (0=8b,1=16b,2=32b,3=64b). A pre/post-indexed form whose base
// register Rn is 31 is not emulated, per spec: SP-relative writeback has
// no IPA-side meaning here.
func DecodeInstruction(instr uint32) (AccessInfo, error) {
	width := 1 << ((instr >> 30) & 0x3)

	for _, enc := range loadStoreTable {
		if instr&enc.mask != enc.value {
			continue
		}

		info := AccessInfo{
			Register:   rtField(instr),
			Width:      width,
			Write:      enc.write,
			SignExtend: enc.signExtend,
		}

		if enc.writeback {
			rn := rnField(instr)
			if rn == 31 {
				return AccessInfo{}, fmt.Errorf("%w: instruction 0x%08x (%s) uses Rn=31", ErrUnsupportedEncoding, instr, enc.name)
			}
			info.HasWriteback = true
			info.WritebackReg = rn
			info.WritebackOffset = signExtendImm9(instr)
		}

		return info, nil
	}
	return AccessInfo{}, fmt.Errorf("%w: instruction 0x%08x", ErrUnsupportedEncoding, instr)
}
