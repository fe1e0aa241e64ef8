package amd64

import (
	"github.com/pkg/errors"

	"github.com/gobf/bfjit/internal/bferrors"
)

// MemKind tags the addressing-mode variant of a Mem operand, covering the
// forms named in spec §4.8: base-only indirect, RIP+disp32, base+disp8,
// base+disp32, base+index·scale (with or without a displacement), and
// index·scale+disp32 with no base. The two "RBP-anchored scaled forms" the
// spec calls out by name are simply MemBaseIndexDisp8/MemBaseIndexDisp32
// instantiated with Base == RegBP: SIB's mod=00/base=RBP encoding is
// reserved to mean "no base", so addressing through RBP as a base always
// requires going through one of the explicit-displacement forms, never
// MemBaseIndex's mod=00 form.
type MemKind byte

const (
	MemBase MemKind = iota
	MemRIPRelative
	MemBaseDisp8
	MemBaseDisp32
	MemBaseIndex
	MemBaseIndexDisp8
	MemBaseIndexDisp32
	MemIndexDisp32
)

// Mem is one memory addressing-mode operand.
type Mem struct {
	Kind  MemKind
	Base  Register
	Index Register
	Scale byte // 1, 2, 4, or 8; only meaningful when Kind involves an index
	Disp  int32
}

// Operand is the tagged addressing-mode variant: either a bare register or
// a Mem. The native lowerings in internal/compiler only ever construct Reg,
// MemBase and MemBaseDisp32 (spec §4.7 addresses everything off rdx), but
// the full variant exists so the encoder's byte-level correctness can be
// spot-checked against the wider instruction/addressing-mode matrix spec
// §8 calls for.
type Operand struct {
	IsReg bool
	Reg   Register
	Mem   Mem
}

// R constructs a bare-register operand.
func R(r Register) Operand { return Operand{IsReg: true, Reg: r} }

// M constructs a memory operand.
func M(m Mem) Operand { return Operand{Mem: m} }

// validate enforces the five compile-time encoding constraints from
// spec §4.8. It never needs to run for Reg operands.
func (op Operand) validate() error {
	if op.IsReg {
		return nil
	}
	m := op.Mem
	switch m.Kind {
	case MemBase:
		if m.Base == RegSP || m.Base == RegBP {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"pure-indirect addressing cannot use rsp or rbp as base")
		}
	case MemBaseDisp8, MemBaseDisp32:
		if m.Base == RegSP {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"indirect-with-displacement addressing cannot use rsp as base (requires SIB)")
		}
	case MemBaseIndex, MemBaseIndexDisp8, MemBaseIndexDisp32:
		if m.Index == RegSP {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"SIB index cannot be rsp (reserved to mean \"no index\")")
		}
		if m.Kind == MemBaseIndex && m.Base == RegBP {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"SIB base cannot be rbp in the mod=00 form (reserved to mean disp32-only)")
		}
	case MemIndexDisp32:
		if m.Index == RegSP {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"SIB index cannot be rsp (reserved to mean \"no index\")")
		}
		if m.Scale == 8 {
			return errors.Wrap(bferrors.ErrEncoderConstraint,
				"scale=8 is disallowed in the no-base scaled form")
		}
	}
	return nil
}

// modRM returns the ModR/M byte given the external reg field (already
// placed in the low 3 bits by the caller, e.g. an opcode-extension digit or
// another register operand), combined with this operand's mod+r/m bits.
func (op Operand) modRM(regField byte) byte {
	reg := (regField & 0x7) << 3
	if op.IsReg {
		return 0xC0 | reg | op.Reg.num() // mod=11, r/m=reg
	}
	m := op.Mem
	switch m.Kind {
	case MemBase:
		return reg | m.Base.num() // mod=00, r/m=base
	case MemRIPRelative:
		return reg | 0x5 // mod=00, r/m=101 (RIP-relative)
	case MemBaseDisp8:
		return 0x40 | reg | m.Base.num() // mod=01
	case MemBaseDisp32:
		return 0x80 | reg | m.Base.num() // mod=10
	case MemBaseIndex:
		return reg | 0x4 // mod=00, r/m=100 (SIB follows)
	case MemBaseIndexDisp8:
		return 0x40 | reg | 0x4 // mod=01, r/m=100
	case MemBaseIndexDisp32:
		return 0x80 | reg | 0x4 // mod=10, r/m=100
	case MemIndexDisp32:
		return reg | 0x4 // mod=00, r/m=100 (SIB follows, base field=101)
	}
	return reg
}

// sib returns the SIB byte and whether this operand requires one.
func (op Operand) sib() (b byte, ok bool) {
	if op.IsReg {
		return 0, false
	}
	m := op.Mem
	scaleBits := scaleEncoding(m.Scale)
	switch m.Kind {
	case MemBaseIndex, MemBaseIndexDisp8, MemBaseIndexDisp32:
		return scaleBits<<6 | m.Index.num()<<3 | m.Base.num(), true
	case MemIndexDisp32:
		return scaleBits<<6 | m.Index.num()<<3 | 0x5, true // base field=101, no base
	default:
		return 0, false
	}
}

func scaleEncoding(scale byte) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0 // scale 1 (or unset)
	}
}

// disp8 returns the 8-bit displacement and whether this operand carries one.
func (op Operand) disp8() (b byte, ok bool) {
	if op.IsReg {
		return 0, false
	}
	switch op.Mem.Kind {
	case MemBaseDisp8, MemBaseIndexDisp8:
		return byte(int8(op.Mem.Disp)), true
	default:
		return 0, false
	}
}

// disp32 returns the 32-bit displacement and whether this operand carries
// one.
func (op Operand) disp32() (v uint32, ok bool) {
	if op.IsReg {
		return 0, false
	}
	switch op.Mem.Kind {
	case MemBaseDisp32, MemBaseIndexDisp32, MemIndexDisp32, MemRIPRelative:
		return uint32(op.Mem.Disp), true
	default:
		return 0, false
	}
}

// rexB returns REX.B for this operand's own base/register field. The REX.R
// bit for the external "reg" field (e.g. the source register of a
// register-to-memory move) is supplied by the caller of emitRM instead.
// rexX returns REX.X for this operand's index register, if any.
func (op Operand) rexB() bool {
	if op.IsReg {
		return op.Reg.extended()
	}
	switch op.Mem.Kind {
	case MemBase, MemBaseDisp8, MemBaseDisp32, MemBaseIndex, MemBaseIndexDisp8, MemBaseIndexDisp32:
		return op.Mem.Base.extended()
	default:
		return false
	}
}

func (op Operand) rexX() bool {
	if op.IsReg {
		return false
	}
	switch op.Mem.Kind {
	case MemBaseIndex, MemBaseIndexDisp8, MemBaseIndexDisp32, MemIndexDisp32:
		return op.Mem.Index.extended()
	default:
		return false
	}
}
