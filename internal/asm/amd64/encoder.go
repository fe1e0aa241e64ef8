package amd64

import (
	"github.com/gobf/bfjit/internal/asm"
)

// Assembler accumulates x86-64 machine code into a Buffer, one instruction
// at a time. Its encoding order follows spec §4.8 exactly: optional REX,
// opcode byte(s), ModR/M, optional SIB, optional displacement, optional
// immediate. It is the encoder half of the pipeline; internal/compiler
// drives it per the lowering rules of spec §4.7.
type Assembler struct {
	buf asm.Buffer
}

// New returns a ready-to-use Assembler.
func New() *Assembler { return &Assembler{} }

// Len returns the number of bytes emitted so far, used by callers to record
// branch-start offsets for displacement math and to compute patch offsets.
func (a *Assembler) Len() int { return a.buf.Len() }

// Bytes returns the accumulated code.
func (a *Assembler) Bytes() []byte { return a.buf.Bytes() }

func (a *Assembler) emitRex(w, r, x, b bool) {
	if !w && !r && !x && !b {
		return
	}
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	a.buf.WriteByte(rex)
}

// emitRM writes REX (if needed), the opcode bytes, ModR/M, optional SIB,
// and optional displacement for an r/m operand combined with an external
// reg field (either a real register or an opcode-extension digit).
func (a *Assembler) emitRM(opcode []byte, regField byte, regExtended bool, op Operand, w bool) error {
	if err := op.validate(); err != nil {
		return err
	}
	a.emitRex(w, regExtended, op.rexX(), op.rexB())
	a.buf.Write(opcode)
	a.buf.WriteByte(op.modRM(regField))
	if sib, ok := op.sib(); ok {
		a.buf.WriteByte(sib)
	}
	if d8, ok := op.disp8(); ok {
		a.buf.WriteByte(d8)
	}
	if d32, ok := op.disp32(); ok {
		a.buf.WriteUint32(d32)
	}
	return nil
}

// --- stack & control flow ---------------------------------------------

// Push emits push r64.
func (a *Assembler) Push(r Register) {
	a.emitRex(false, false, false, r.extended())
	a.buf.WriteByte(0x50 + r.num())
}

// Pop emits pop r64.
func (a *Assembler) Pop(r Register) {
	a.emitRex(false, false, false, r.extended())
	a.buf.WriteByte(0x58 + r.num())
}

// Ret emits ret.
func (a *Assembler) Ret() { a.buf.WriteByte(0xC3) }

// CallRM64 emits call r/m64 (opcode extension /2).
func (a *Assembler) CallRM64(op Operand) error {
	return a.emitRM([]byte{0xFF}, 2, false, op, false)
}

// --- inc/dec -------------------------------------------------------------

// IncRM8 emits inc r/m8 (opcode extension /0).
func (a *Assembler) IncRM8(op Operand) error { return a.emitRM([]byte{0xFE}, 0, false, op, false) }

// DecRM8 emits dec r/m8 (opcode extension /1).
func (a *Assembler) DecRM8(op Operand) error { return a.emitRM([]byte{0xFE}, 1, false, op, false) }

// IncRM64 emits inc r/m64 (opcode extension /0, REX.W).
func (a *Assembler) IncRM64(op Operand) error { return a.emitRM([]byte{0xFF}, 0, false, op, true) }

// DecRM64 emits dec r/m64 (opcode extension /1, REX.W).
func (a *Assembler) DecRM64(op Operand) error { return a.emitRM([]byte{0xFF}, 1, false, op, true) }

// --- mov -------------------------------------------------------------

// MovRM64Reg emits mov r/m64, r64.
func (a *Assembler) MovRM64Reg(dst Operand, src Register) error {
	return a.emitRM([]byte{0x89}, src.num(), src.extended(), dst, true)
}

// MovRegImm64 emits mov r64, imm64.
func (a *Assembler) MovRegImm64(dst Register, imm uint64) {
	a.emitRex(true, false, false, dst.extended())
	a.buf.WriteByte(0xB8 + dst.num())
	a.buf.WriteUint64(imm)
}

// MovRM8Imm8 emits mov r/m8, imm8 (opcode extension /0).
func (a *Assembler) MovRM8Imm8(dst Operand, imm uint8) error {
	if err := a.emitRM([]byte{0xC6}, 0, false, dst, false); err != nil {
		return err
	}
	a.buf.WriteByte(imm)
	return nil
}

// MovReg8RM8 emits mov r8, r/m8.
func (a *Assembler) MovReg8RM8(dst Register, src Operand) error {
	return a.emitRM([]byte{0x8A}, dst.num(), dst.extended(), src, false)
}

// MovRM8Reg8 emits mov r/m8, r8.
func (a *Assembler) MovRM8Reg8(dst Operand, src Register) error {
	return a.emitRM([]byte{0x88}, src.num(), src.extended(), dst, false)
}

// MovzxReg32RM8 emits movzx r32, r/m8.
func (a *Assembler) MovzxReg32RM8(dst Register, src Operand) error {
	return a.emitRM([]byte{0x0F, 0xB6}, dst.num(), dst.extended(), src, false)
}

// --- compare & arithmetic -------------------------------------------------

// CmpRM8Imm8 emits cmp r/m8, imm8 (opcode extension /7).
func (a *Assembler) CmpRM8Imm8(dst Operand, imm uint8) error {
	if err := a.emitRM([]byte{0x80}, 7, false, dst, false); err != nil {
		return err
	}
	a.buf.WriteByte(imm)
	return nil
}

// AddRM8Imm8 emits add r/m8, imm8 (opcode extension /0).
func (a *Assembler) AddRM8Imm8(dst Operand, imm uint8) error {
	if err := a.emitRM([]byte{0x80}, 0, false, dst, false); err != nil {
		return err
	}
	a.buf.WriteByte(imm)
	return nil
}

// SubRM8Imm8 emits sub r/m8, imm8 (opcode extension /5).
func (a *Assembler) SubRM8Imm8(dst Operand, imm uint8) error {
	if err := a.emitRM([]byte{0x80}, 5, false, dst, false); err != nil {
		return err
	}
	a.buf.WriteByte(imm)
	return nil
}

// AddRM64Imm8 emits add r/m64, imm8 (sign-extended; opcode extension /0,
// REX.W). Used for pointer arithmetic; the caller is responsible for
// clamping the constant to <= 254 per spec §4.7 (larger constants are a
// compiler-time error there, not an encoder-level one, since the encoder's
// job is purely mechanical byte-for-byte correctness of whatever imm8 it is
// given).
func (a *Assembler) AddRM64Imm8(dst Operand, imm int8) error {
	if err := a.emitRM([]byte{0x83}, 0, false, dst, true); err != nil {
		return err
	}
	a.buf.WriteByte(byte(imm))
	return nil
}

// SubRM64Imm8 emits sub r/m64, imm8 (sign-extended; opcode extension /5,
// REX.W).
func (a *Assembler) SubRM64Imm8(dst Operand, imm int8) error {
	if err := a.emitRM([]byte{0x83}, 5, false, dst, true); err != nil {
		return err
	}
	a.buf.WriteByte(byte(imm))
	return nil
}

// AddRM8Reg8 emits add r/m8, r8.
func (a *Assembler) AddRM8Reg8(dst Operand, src Register) error {
	return a.emitRM([]byte{0x00}, src.num(), src.extended(), dst, false)
}

// SubRM8Reg8 emits sub r/m8, r8.
func (a *Assembler) SubRM8Reg8(dst Operand, src Register) error {
	return a.emitRM([]byte{0x28}, src.num(), src.extended(), dst, false)
}

// MulRM8 emits mul r/m8 (opcode extension /4); result in AX.
func (a *Assembler) MulRM8(op Operand) error { return a.emitRM([]byte{0xF6}, 4, false, op, false) }

// NegRM8 emits neg r/m8 (opcode extension /3).
func (a *Assembler) NegRM8(op Operand) error { return a.emitRM([]byte{0xF6}, 3, false, op, false) }

// --- patchable jumps -------------------------------------------------

// JeRel8 emits je rel8 with a zero placeholder displacement and returns the
// offset of that displacement byte, to be overwritten later via
// PatchRel8 once the target is known.
func (a *Assembler) JeRel8() (patchOffset int) {
	a.buf.WriteByte(0x74)
	patchOffset = a.buf.Len()
	a.buf.WriteByte(0)
	return patchOffset
}

// JneRel8 emits jne rel8 with a zero placeholder displacement.
func (a *Assembler) JneRel8() (patchOffset int) {
	a.buf.WriteByte(0x75)
	patchOffset = a.buf.Len()
	a.buf.WriteByte(0)
	return patchOffset
}

// JeRel32 emits je rel32 with a zero placeholder displacement.
func (a *Assembler) JeRel32() (patchOffset int) {
	a.buf.WriteByte(0x0F)
	a.buf.WriteByte(0x84)
	patchOffset = a.buf.Len()
	a.buf.WriteUint32(0)
	return patchOffset
}

// JneRel32 emits jne rel32 with a zero placeholder displacement.
func (a *Assembler) JneRel32() (patchOffset int) {
	a.buf.WriteByte(0x0F)
	a.buf.WriteByte(0x85)
	patchOffset = a.buf.Len()
	a.buf.WriteUint32(0)
	return patchOffset
}

// PatchRel8 overwrites the rel8 displacement recorded at patchOffset so
// that the jump lands at target, computed as target - (branch end).
func (a *Assembler) PatchRel8(patchOffset, target int) {
	rel := int32(target - (patchOffset + 1))
	a.buf.PatchByte(patchOffset, byte(int8(rel)))
}

// PatchRel32 overwrites the rel32 displacement recorded at patchOffset so
// that the jump lands at target, computed as target - (branch end).
func (a *Assembler) PatchRel32(patchOffset, target int) {
	rel := int32(target - (patchOffset + 4))
	a.buf.PatchUint32(patchOffset, uint32(rel))
}
