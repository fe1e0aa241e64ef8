// Package parser converts source tokens into the ir.Sequence tree, following
// the teacher's manual byte-at-a-time decoder style (see wazero's
// internal/wasm/binary decoder) rather than reaching for a parser generator:
// the token set is eight characters wide and nesting is simply bracket
// matching, so a hand-written scanner is the idiomatic shape here.
package parser

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gobf/bfjit/internal/bferrors"
	"github.com/gobf/bfjit/internal/ir"
)

var log = logrus.WithField("stage", "parse")

// Parse reads every byte from r and returns the parsed IR sequence. Bytes
// outside the eight recognized tokens are treated as whitespace and
// skipped. A stray ']' or an unclosed '[' is reported as a *bferrors.ParseError.
func Parse(r io.Reader) (ir.Sequence, error) {
	br := bufio.NewReader(r)
	seq, pos, err := parseSequence(br, 0, false)
	if err != nil {
		return nil, err
	}
	log.WithField("instructions", len(seq)).Debug("parsed program")
	_ = pos
	return seq, nil
}

// parseSequence consumes tokens until EOF (top level) or a matching ']'
// (nested call, inLoop true), returning the sequence, the updated byte
// position, and an error for malformed bracket nesting.
func parseSequence(br *bufio.Reader, pos int, inLoop bool) (ir.Sequence, int, error) {
	var seq ir.Sequence
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			if inLoop {
				return nil, pos, &bferrors.ParseError{Unbalanced: true, Pos: -1}
			}
			return seq, pos, nil
		}
		if err != nil {
			return nil, pos, errors.Wrap(err, "parser: read source")
		}
		pos++

		var kind ir.Kind
		switch b {
		case '+':
			kind = ir.KindIncrement
		case '-':
			kind = ir.KindDecrement
		case '>':
			kind = ir.KindPointerIncrement
		case '<':
			kind = ir.KindPointerDecrement
		case '.':
			kind = ir.KindPutChar
		case ',':
			kind = ir.KindGetChar
		case '[':
			body, newPos, err := parseSequence(br, pos, true)
			if err != nil {
				return nil, newPos, err
			}
			pos = newPos
			seq = append(seq, ir.Instruction{Kind: ir.KindLoop, Body: body})
			continue
		case ']':
			if !inLoop {
				return nil, pos, &bferrors.ParseError{Unbalanced: true, Pos: pos - 1}
			}
			return seq, pos, nil
		default:
			continue
		}
		seq = append(seq, ir.Instruction{Kind: kind})
	}
}
