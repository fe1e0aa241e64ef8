// Package vm lowers an ir.Sequence to a flat, jump-resolved instruction
// array and executes it with a switch-dispatched interpreter, grounded on
// the fetch/execute/advance shape of the teacher's
// internal/engine/interpreter/interpreter.go dispatch loop, generalized from
// WebAssembly opcodes to the eight-token/fused-op instruction set of §3.
package vm

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gobf/bfjit/internal/bferrors"
	"github.com/gobf/bfjit/internal/ir"
)

var log = logrus.WithField("stage", "emit")

const tapeSize = 30000

// OpKind tags one flat VM instruction.
type OpKind byte

const (
	OpIncrement OpKind = iota
	OpDecrement
	OpPointerIncrement
	OpPointerDecrement
	OpPutChar
	OpGetChar
	OpJumpIfZero
	OpJumpIfNotZero
	OpAdd
	OpSubtract
	OpSetZero
	OpPointerAdd
	OpPointerSubtract
	OpAddValueAt
	OpSubtractValueAt
	OpAddValueMultipliedBy
	OpSubtractValueMultipliedBy
	OpNegate
)

// Instruction is one entry of a flat Program. Target holds the absolute
// jump index for OpJumpIfZero/OpJumpIfNotZero; the other fields mirror
// ir.Instruction's payload fields for the corresponding fused op.
type Instruction struct {
	Op     OpKind
	Target int
	U8     uint8
	Nat    uint32
	Offset int32
}

// Program is the flat, jump-resolved instruction array produced by Lower.
type Program []Instruction

var lowerTarget = map[ir.Kind]OpKind{
	ir.KindIncrement:               OpIncrement,
	ir.KindDecrement:                OpDecrement,
	ir.KindPointerIncrement:         OpPointerIncrement,
	ir.KindPointerDecrement:         OpPointerDecrement,
	ir.KindPutChar:                  OpPutChar,
	ir.KindGetChar:                  OpGetChar,
	ir.KindAdd:                      OpAdd,
	ir.KindSubtract:                 OpSubtract,
	ir.KindSetZero:                  OpSetZero,
	ir.KindPointerAdd:               OpPointerAdd,
	ir.KindPointerSubtract:          OpPointerSubtract,
	ir.KindAddValueAt:               OpAddValueAt,
	ir.KindSubtractValueAt:          OpSubtractValueAt,
	ir.KindAddValueMultipliedBy:     OpAddValueMultipliedBy,
	ir.KindSubtractValueMultipliedBy: OpSubtractValueMultipliedBy,
	ir.KindNegate:                   OpNegate,
}

// Lower performs a single traversal of seq emitting a flat Program, per
// spec §4.5: Loop emits a placeholder JumpIfZero, recurses into the body,
// appends a JumpIfNotZero back to the loop's start, then backpatches the
// placeholder to one past the end. IfNotZero emits only a leading
// JumpIfZero, backpatched to one past its body, so the zero-skip path lands
// exactly after the guarded block with no partial re-execution.
func Lower(seq ir.Sequence) Program {
	var prog Program
	lowerInto(&prog, seq)
	log.WithField("instructions", len(prog)).Debug("lowered VM program")
	return prog
}

func lowerInto(prog *Program, seq ir.Sequence) {
	for _, ins := range seq {
		switch ins.Kind {
		case ir.KindLoop:
			start := len(*prog)
			*prog = append(*prog, Instruction{Op: OpJumpIfZero})
			lowerInto(prog, ins.Body)
			*prog = append(*prog, Instruction{Op: OpJumpIfNotZero, Target: start})
			end := len(*prog)
			(*prog)[start].Target = end
		case ir.KindIfNotZero:
			placeholder := len(*prog)
			*prog = append(*prog, Instruction{Op: OpJumpIfZero})
			lowerInto(prog, ins.Body)
			end := len(*prog)
			(*prog)[placeholder].Target = end
		case ir.KindAdd, ir.KindSubtract:
			*prog = append(*prog, Instruction{Op: lowerTarget[ins.Kind], U8: ins.U8})
		case ir.KindPointerAdd, ir.KindPointerSubtract:
			*prog = append(*prog, Instruction{Op: lowerTarget[ins.Kind], Nat: ins.Nat})
		case ir.KindAddValueAt, ir.KindSubtractValueAt:
			*prog = append(*prog, Instruction{Op: lowerTarget[ins.Kind], Offset: ins.Offset})
		case ir.KindAddValueMultipliedBy, ir.KindSubtractValueMultipliedBy:
			*prog = append(*prog, Instruction{Op: lowerTarget[ins.Kind], U8: ins.U8, Offset: ins.Offset})
		default:
			*prog = append(*prog, Instruction{Op: lowerTarget[ins.Kind]})
		}
	}
}

// Interpreter executes a Program over a fresh 30,000-byte tape, reading
// GetChar bytes from In and writing PutChar bytes to Out (flushed after
// every byte, per spec §4.6/§5). Trace, when set, logs each executed
// instruction at Debug level; it is the VM-only counterpart of --trace and
// is ignored entirely under native codegen.
type Interpreter struct {
	In    io.Reader
	Out   io.Writer
	Trace bool
}

// Run executes prog to completion. Tape out-of-bounds accesses are
// undefined behavior (a Go slice index panic), matching spec §4.6's "no
// checks" and the overall Non-goal of defined out-of-bounds semantics.
func (vm *Interpreter) Run(prog Program) error {
	tape := make([]byte, tapeSize)
	ptr := 0

	in := bufio.NewReader(vm.In)
	out := bufio.NewWriter(vm.Out)

	ip := 0
	for ip < len(prog) {
		ins := prog[ip]
		if vm.Trace {
			log.WithField("ip", ip).WithField("op", ins.Op).Debug("trace")
		}
		switch ins.Op {
		case OpIncrement:
			tape[ptr]++
		case OpDecrement:
			tape[ptr]--
		case OpPointerIncrement:
			ptr++
		case OpPointerDecrement:
			ptr--
		case OpPutChar:
			if err := out.WriteByte(tape[ptr]); err != nil {
				return errors.Wrap(bferrors.ErrRuntimeIO, err.Error())
			}
			if err := out.Flush(); err != nil {
				return errors.Wrap(bferrors.ErrRuntimeIO, err.Error())
			}
		case OpGetChar:
			b, err := in.ReadByte()
			switch {
			case err == io.EOF:
				tape[ptr] = 0
			case err != nil:
				return errors.Wrap(bferrors.ErrRuntimeIO, err.Error())
			default:
				tape[ptr] = b
			}
		case OpJumpIfZero:
			if tape[ptr] == 0 {
				ip = ins.Target
				continue
			}
		case OpJumpIfNotZero:
			if tape[ptr] != 0 {
				ip = ins.Target
				continue
			}
		case OpAdd:
			tape[ptr] += ins.U8
		case OpSubtract:
			tape[ptr] -= ins.U8
		case OpSetZero:
			tape[ptr] = 0
		case OpPointerAdd:
			ptr += int(ins.Nat)
		case OpPointerSubtract:
			ptr -= int(ins.Nat)
		case OpAddValueAt:
			tape[ptr] += tape[ptr+int(ins.Offset)]
		case OpSubtractValueAt:
			tape[ptr] -= tape[ptr+int(ins.Offset)]
		case OpAddValueMultipliedBy:
			tape[ptr] += tape[ptr+int(ins.Offset)] * ins.U8
		case OpSubtractValueMultipliedBy:
			tape[ptr] -= tape[ptr+int(ins.Offset)] * ins.U8
		case OpNegate:
			tape[ptr] = -tape[ptr]
		}
		ip++
	}
	return out.Flush()
}
