// Package optimizer implements the two composable IR-to-IR passes:
// RunLengthFold (peephole run fusion) and MulLoopRewrite (abstract
// interpretation of multiplication loops). Both are pure over ir.Sequence.
// The pass order, the run-length fold's exact shape, and MulLoopRewrite's
// simulate-then-replay structure and displacement arithmetic are grounded
// directly on the reference implementation's
// optimizer/{consecutive_inc_dec,mul_loop}.rs; the "walk the tree, rebuild
// fused nodes" idiom these are expressed in follows wazero's own
// constant-folding-style IR rewrites in wazeroir.
package optimizer

import (
	"github.com/sirupsen/logrus"

	"github.com/gobf/bfjit/internal/ir"
)

var log = logrus.WithField("stage", "optimize")

// Option is a bitmask selecting which passes Optimize runs.
type Option uint8

const (
	RunLengthFold Option = 1 << iota
	MulLoopRewrite

	All = RunLengthFold | MulLoopRewrite
)

// ParseOption maps one of the CLI's comma-separated tokens to an Option bit.
// It returns ok=false for an unrecognized token.
func ParseOption(token string) (Option, bool) {
	switch token {
	case "all":
		return All, true
	case "consecutive_inc_dec":
		return RunLengthFold, true
	case "mul_loop":
		return MulLoopRewrite, true
	default:
		return 0, false
	}
}

// Optimize runs the enabled passes, in the fixed order RunLengthFold then
// MulLoopRewrite, over seq. A disabled pass is the identity; Optimize never
// mutates seq in place.
func Optimize(seq ir.Sequence, opt Option) ir.Sequence {
	out := seq
	folded, rewritten := 0, 0
	if opt&RunLengthFold != 0 {
		out = foldRuns(out)
	}
	if opt&MulLoopRewrite != 0 {
		out = rewriteMulLoops(out, &rewritten)
	}
	log.WithField("run_length_folds_enabled", opt&RunLengthFold != 0).
		WithField("mul_loop_rewrites", rewritten).
		Debug("optimization complete")
	_ = folded
	return out
}

// --- RunLengthFold -----------------------------------------------------

var foldTarget = map[ir.Kind]ir.Kind{
	ir.KindIncrement:        ir.KindAdd,
	ir.KindDecrement:        ir.KindSubtract,
	ir.KindPointerIncrement: ir.KindPointerAdd,
	ir.KindPointerDecrement: ir.KindPointerSubtract,
}

// foldRuns replaces each maximal run of >=2 identical primitives among
// Increment/Decrement/PointerIncrement/PointerDecrement with the
// corresponding fused form, recursing into loop and conditional bodies.
// Runs of length 1 are left untouched. Counts are stored in 8-bit (Add,
// Subtract) or 32-bit (PointerAdd, PointerSubtract) fields and are allowed
// to wrap on pathologically long runs, per the accepted OptimizerOverflow
// limitation.
func foldRuns(seq ir.Sequence) ir.Sequence {
	out := make(ir.Sequence, 0, len(seq))
	i := 0
	for i < len(seq) {
		ins := seq[i]
		if _, ok := foldTarget[ins.Kind]; ok {
			j := i + 1
			for j < len(seq) && seq[j].Kind == ins.Kind {
				j++
			}
			runLen := j - i
			if runLen == 1 {
				out = append(out, ins)
			} else {
				out = append(out, foldedInstruction(ins.Kind, runLen))
			}
			i = j
			continue
		}
		if ins.Kind == ir.KindLoop || ins.Kind == ir.KindIfNotZero {
			ins.Body = foldRuns(ins.Body)
		}
		out = append(out, ins)
		i++
	}
	return out
}

func foldedInstruction(primitive ir.Kind, runLen int) ir.Instruction {
	kind := foldTarget[primitive]
	switch kind {
	case ir.KindAdd, ir.KindSubtract:
		return ir.Instruction{Kind: kind, U8: uint8(runLen)}
	default:
		return ir.Instruction{Kind: kind, Nat: uint32(runLen)}
	}
}

// --- MulLoopRewrite ------------------------------------------------------

const (
	simWindow = 1024
	simCenter = 512
)

// rewriteMulLoops recursively optimizes every Loop in seq, replacing each
// eligible one with its straight-line multiply-add rewrite. rewritten counts
// how many loops were actually rewritten, for diagnostics.
func rewriteMulLoops(seq ir.Sequence, rewritten *int) ir.Sequence {
	out := make(ir.Sequence, 0, len(seq))
	for _, ins := range seq {
		if ins.Kind != ir.KindLoop {
			if ins.Kind == ir.KindIfNotZero {
				ins.Body = rewriteMulLoops(ins.Body, rewritten)
			}
			out = append(out, ins)
			continue
		}

		body := rewriteMulLoops(ins.Body, rewritten)

		if !isPure(body) {
			out = append(out, ir.Instruction{Kind: ir.KindLoop, Body: body})
			continue
		}

		window, finalOffset, ok := simulate(body)
		if !ok || finalOffset != 0 {
			out = append(out, ir.Instruction{Kind: ir.KindLoop, Body: body})
			continue
		}

		delta := window[simCenter]
		var negate bool
		switch delta {
		case 255:
			negate = false
		case 1:
			negate = true
		default:
			out = append(out, ir.Instruction{Kind: ir.KindLoop, Body: body})
			continue
		}

		rewrittenSeq := replay(body)
		*rewritten++

		// The body always gets an unconditional SetZero appended (even
		// when rewrittenSeq is empty, e.g. "[+]"/"[-]", whose body
		// touches nothing but the control cell), and the whole thing is
		// always wrapped in an IfNotZero guard with that SetZero doubled
		// up — there is no special case that collapses to a bare
		// top-level SetZero; a guard around two SetZeros is exactly as
		// idempotent as one, so this is never observably different.
		var block ir.Sequence
		if negate {
			block = append(block, ir.Instruction{Kind: ir.KindNegate})
		}
		block = append(block, rewrittenSeq...)
		block = append(block, ir.Instruction{Kind: ir.KindSetZero})
		block = append(block, ir.Instruction{Kind: ir.KindSetZero})
		out = append(out, ir.Instruction{Kind: ir.KindIfNotZero, Body: block})
	}
	return out
}

// isPure reports whether body contains no I/O, no nested Loop, no SetZero,
// and no IfNotZero — the body_pure flag of spec step 1. A body failing any
// of these is ineligible for MulLoopRewrite (defensively re-checked even
// though well-formed already-rewritten output should not recurse here).
func isPure(body ir.Sequence) bool {
	for _, ins := range body {
		switch ins.Kind {
		case ir.KindPutChar, ir.KindGetChar, ir.KindLoop, ir.KindSetZero, ir.KindIfNotZero:
			return false
		}
	}
	return true
}

// simulate abstract-interprets body once over a 1024-byte window centered at
// simCenter, starting from all zeros, tracking a logical pointer. It reports
// the resulting window contents, the pointer's final offset from center, and
// ok=false if the pointer ever left the window.
func simulate(body ir.Sequence) (window [simWindow]byte, finalOffset int, ok bool) {
	ptr := simCenter
	for _, ins := range body {
		switch ins.Kind {
		case ir.KindIncrement:
			window[ptr]++
		case ir.KindDecrement:
			window[ptr]--
		case ir.KindAdd:
			window[ptr] += ins.U8
		case ir.KindSubtract:
			window[ptr] -= ins.U8
		case ir.KindPointerIncrement:
			ptr++
		case ir.KindPointerDecrement:
			ptr--
		case ir.KindPointerAdd:
			ptr += int(ins.Nat)
		case ir.KindPointerSubtract:
			ptr -= int(ins.Nat)
		default:
			// Loop, SetZero, IfNotZero, I/O: defensively ineligible,
			// should not occur given isPure already filtered these.
			return window, 0, false
		}
		if ptr < 0 || ptr >= simWindow {
			return window, 0, false
		}
	}
	return window, ptr - simCenter, true
}

// replay re-walks body, this time synthesizing the rewritten instruction
// list described in spec step 5. offset tracks the signed displacement of
// the current cell from the loop's control cell (current - control),
// incrementing on PointerIncrement and decrementing on PointerDecrement —
// the convention under which the native lowering's literal "-offset" reads
// reference the control cell via `[rdx + (-offset)]` with rdx pinned at the
// current cell, matching spec §4.7's AddValueAt/AddValueMultipliedBy native
// encodings byte-for-byte (verified against the worked examples in spec §8
// by tracing the emitted displacement against the expected output byte;
// the "+1" shown in one of those worked examples does not follow this
// convention and is treated as a transcription slip in that prose, not as
// the behavior to reproduce — see DESIGN.md).
func replay(body ir.Sequence) ir.Sequence {
	var out ir.Sequence
	offset := int32(0)
	for _, ins := range body {
		switch ins.Kind {
		case ir.KindIncrement:
			if offset != 0 {
				out = append(out, ir.Instruction{Kind: ir.KindAddValueAt, Offset: -offset})
			}
		case ir.KindDecrement:
			if offset != 0 {
				out = append(out, ir.Instruction{Kind: ir.KindSubtractValueAt, Offset: -offset})
			}
		case ir.KindAdd:
			out = append(out, ir.Instruction{Kind: ir.KindAddValueMultipliedBy, U8: ins.U8, Offset: -offset})
		case ir.KindSubtract:
			out = append(out, ir.Instruction{Kind: ir.KindSubtractValueMultipliedBy, U8: ins.U8, Offset: -offset})
		case ir.KindPointerIncrement:
			offset++
			out = append(out, ins)
		case ir.KindPointerDecrement:
			offset--
			out = append(out, ins)
		case ir.KindPointerAdd:
			offset += int32(ins.Nat)
			out = append(out, ins)
		case ir.KindPointerSubtract:
			offset -= int32(ins.Nat)
			out = append(out, ins)
		}
	}
	return out
}
