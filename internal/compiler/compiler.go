// Package compiler is the native code emitter of spec §4.7: it lowers an
// ir.Sequence directly to x86-64 System V machine code for the entry
// function fn(tape_base *uint8), using internal/asm/amd64 as its encoder.
// Grounded structurally on the teacher's internal/engine/compiler package,
// which drives the very same kind of "switch over IR op kind, call the
// matching compileX" traversal against its own in-tree assembler.
package compiler

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gobf/bfjit/internal/asm/amd64"
	"github.com/gobf/bfjit/internal/bferrors"
	"github.com/gobf/bfjit/internal/ir"
	"github.com/gobf/bfjit/internal/platform"
)

var log = logrus.WithField("stage", "emit")

// maxPointerImm8 is the largest pointer-move constant the native emitter
// accepts, per spec §4.7/§9: add/sub rdx, imm8 only has 8 bits, and a larger
// fused PointerAdd/PointerSubtract would require a materialized 64-bit add
// that the reference does not implement.
const maxPointerImm8 = 254

// Emit lowers seq to a complete function body: push rbp/mov rbp,rsp/mov
// rdx,rdi prologue, the lowered body, and a pop rbp/ret epilogue. The tape
// pointer lives in rdx for the function's entire body, deliberately not the
// argument register, because rdx is caller-saved and can be freely
// clobbered across calls to the host's putchar/getchar while rdi/rsi remain
// free for call arguments.
func Emit(seq ir.Sequence) ([]byte, error) {
	a := amd64.New()

	a.Push(amd64.RegBP)
	if err := a.MovRM64Reg(amd64.R(amd64.RegBP), amd64.RegSP); err != nil {
		return nil, err
	}
	if err := a.MovRM64Reg(amd64.R(amd64.RegDX), amd64.RegDI); err != nil {
		return nil, err
	}

	if err := lower(a, seq); err != nil {
		return nil, err
	}

	a.Pop(amd64.RegBP)
	a.Ret()

	log.WithField("bytes", a.Len()).Debug("emitted native code")
	return a.Bytes(), nil
}

func rdxMem() amd64.Operand {
	return amd64.M(amd64.Mem{Kind: amd64.MemBase, Base: amd64.RegDX})
}

// controlCellDisp32 addresses the control cell at a signed displacement
// from the current cell, via the disp32 form spec §4.7 names explicitly
// ("mov al, [rdx + disp32]") rather than the tighter disp8 encoding the
// encoder also supports — fidelity to the spec's literal lowering rule
// takes precedence over shaving a few bytes per multiply-add site.
func controlCellDisp32(offset int32) amd64.Operand {
	return amd64.M(amd64.Mem{Kind: amd64.MemBaseDisp32, Base: amd64.RegDX, Disp: offset})
}

func lower(a *amd64.Assembler, seq ir.Sequence) error {
	for _, ins := range seq {
		if err := lowerOne(a, ins); err != nil {
			return err
		}
	}
	return nil
}

func lowerOne(a *amd64.Assembler, ins ir.Instruction) error {
	rdx := rdxMem()
	switch ins.Kind {
	case ir.KindIncrement:
		return a.IncRM8(rdx)
	case ir.KindDecrement:
		return a.DecRM8(rdx)
	case ir.KindPointerIncrement:
		return movePointer(a, 1)
	case ir.KindPointerDecrement:
		return movePointer(a, -1)
	case ir.KindPointerAdd:
		return movePointer(a, int32(ins.Nat))
	case ir.KindPointerSubtract:
		return movePointer(a, -int32(ins.Nat))
	case ir.KindAdd:
		return a.AddRM8Imm8(rdx, ins.U8)
	case ir.KindSubtract:
		return a.SubRM8Imm8(rdx, ins.U8)
	case ir.KindSetZero:
		return a.MovRM8Imm8(rdx, 0)
	case ir.KindNegate:
		return a.NegRM8(rdx)
	case ir.KindPutChar:
		return emitPutChar(a)
	case ir.KindGetChar:
		return emitGetChar(a)
	case ir.KindLoop:
		return emitLoop(a, ins.Body)
	case ir.KindIfNotZero:
		return emitIfNotZero(a, ins.Body)
	case ir.KindAddValueAt:
		return emitValueAt(a, ins.Offset, a.AddRM8Reg8)
	case ir.KindSubtractValueAt:
		return emitValueAt(a, ins.Offset, a.SubRM8Reg8)
	case ir.KindAddValueMultipliedBy:
		return emitValueMultipliedBy(a, ins.U8, ins.Offset, a.AddRM8Reg8)
	case ir.KindSubtractValueMultipliedBy:
		return emitValueMultipliedBy(a, ins.U8, ins.Offset, a.SubRM8Reg8)
	default:
		return errors.Errorf("compiler: unhandled IR kind %s", ins.Kind)
	}
}

// movePointer clamps and emits the pointer-adjusting add/sub rdx, imm8. The
// imm8 is sign-extended, so a constant above 127 is emitted as an add/sub of
// 127 followed by one of the remainder.
func movePointer(a *amd64.Assembler, delta int32) error {
	if delta == 0 {
		return nil
	}
	reg := amd64.R(amd64.RegDX)
	if delta > 0 {
		if delta > maxPointerImm8 {
			return errors.Wrapf(bferrors.ErrEncoderConstraint,
				"pointer move %d exceeds the imm8 clamp of %d", delta, maxPointerImm8)
		}
		if delta > 127 {
			if err := a.AddRM64Imm8(reg, 127); err != nil {
				return err
			}
			delta -= 127
		}
		return a.AddRM64Imm8(reg, int8(delta))
	}
	neg := -delta
	if neg > maxPointerImm8 {
		return errors.Wrapf(bferrors.ErrEncoderConstraint,
			"pointer move %d exceeds the imm8 clamp of %d", delta, maxPointerImm8)
	}
	if neg > 127 {
		if err := a.SubRM64Imm8(reg, 127); err != nil {
			return err
		}
		neg -= 127
	}
	return a.SubRM64Imm8(reg, int8(neg))
}

// emitPutChar zero-extends [rdx] into edi, loads the host putchar address,
// and calls it with rdx saved across the call.
func emitPutChar(a *amd64.Assembler) error {
	if err := a.MovzxReg32RM8(amd64.RegDI, rdxMem()); err != nil {
		return err
	}
	a.MovRegImm64(amd64.RegAX, platform.PutCharAddr())
	a.Push(amd64.RegDX)
	if err := a.CallRM64(amd64.R(amd64.RegAX)); err != nil {
		return err
	}
	a.Pop(amd64.RegDX)
	return nil
}

// emitGetChar loads the host getchar address, calls it with rdx saved
// across the call, and stores the returned byte into [rdx].
func emitGetChar(a *amd64.Assembler) error {
	a.MovRegImm64(amd64.RegAX, platform.GetCharAddr())
	a.Push(amd64.RegDX)
	if err := a.CallRM64(amd64.R(amd64.RegAX)); err != nil {
		return err
	}
	a.Pop(amd64.RegDX)
	return a.MovRM8Reg8(rdxMem(), amd64.RegAX)
}

// emitLoop emits the while-style Loop lowering: a leading cmp+je placeholder,
// the body, a trailing cmp+jne back to just after the leading cmp (i.e. to
// the je itself, which re-evaluates the condition each iteration), then
// patches the leading je to land just past the trailing jne.
func emitLoop(a *amd64.Assembler, body ir.Sequence) error {
	if err := a.CmpRM8Imm8(rdxMem(), 0); err != nil {
		return err
	}
	afterLeadingCmp := a.Len()
	jePatch := a.JeRel32()

	if err := lower(a, body); err != nil {
		return err
	}

	if err := a.CmpRM8Imm8(rdxMem(), 0); err != nil {
		return err
	}
	jnePatch := a.JneRel32()
	a.PatchRel32(jnePatch, afterLeadingCmp)

	a.PatchRel32(jePatch, a.Len())
	return nil
}

// emitIfNotZero emits a single guarded block: cmp+je placeholder, the body,
// then patches the je to land just past the body, matching the VM
// lowering's skip target exactly.
func emitIfNotZero(a *amd64.Assembler, body ir.Sequence) error {
	if err := a.CmpRM8Imm8(rdxMem(), 0); err != nil {
		return err
	}
	jePatch := a.JeRel32()
	if err := lower(a, body); err != nil {
		return err
	}
	a.PatchRel32(jePatch, a.Len())
	return nil
}

type rm8reg8 func(dst amd64.Operand, src amd64.Register) error

// emitValueAt lowers AddValueAt/SubtractValueAt: read the control cell at
// [rdx+offset] into al, then combine it into [rdx] via op (add or sub).
func emitValueAt(a *amd64.Assembler, offset int32, op rm8reg8) error {
	if err := a.MovReg8RM8(amd64.RegAX, controlCellDisp32(offset)); err != nil {
		return err
	}
	return op(rdxMem(), amd64.RegAX)
}

// emitValueMultipliedBy lowers AddValueMultipliedBy/SubtractValueMultipliedBy:
// read the control cell into al, load the multiplicand into cl, multiply
// (ax := al*cl, so al now holds the low 8 bits of the product), then combine
// al into [rdx] via op.
func emitValueMultipliedBy(a *amd64.Assembler, multiplicand uint8, offset int32, op rm8reg8) error {
	if err := a.MovReg8RM8(amd64.RegAX, controlCellDisp32(offset)); err != nil {
		return err
	}
	if err := a.MovRM8Imm8(amd64.R(amd64.RegCX), multiplicand); err != nil {
		return err
	}
	if err := a.MulRM8(amd64.R(amd64.RegCX)); err != nil {
		return err
	}
	return op(rdxMem(), amd64.RegAX)
}
