// Package asm holds the architecture-neutral parts of the code buffer: a
// growable byte sequence that instructions append to, plus the two patch
// primitives (spec §3: "Native code buffer") that overwrite a 1-byte or
// 4-byte displacement at a previously recorded offset once a jump target is
// known. Grounded structurally on the teacher's internal/asm/buffer.go
// CodeSegment/Buffer split, but simplified: the teacher's CodeSegment is
// itself a growable mmap'd RWX region (bytes are written directly into
// executable memory as they're encoded). Our native runtime (internal
// /platform) instead wants one exact-size RWX mapping allocated only once
// the full code length is known (spec §4.9), so Buffer here is a plain
// Go-heap []byte; internal/platform copies its final contents into the RWX
// mapping in one shot.
package asm

import "encoding/binary"

// Buffer accumulates emitted machine code bytes. The zero value is ready to
// use.
type Buffer struct {
	b []byte
}

// Len returns the number of bytes written so far; also the offset at which
// the next WriteByte will land, used by callers to record patch offsets and
// branch start positions.
func (buf *Buffer) Len() int { return len(buf.b) }

// Bytes returns the accumulated code. The returned slice is invalidated by
// any subsequent write.
func (buf *Buffer) Bytes() []byte { return buf.b }

// WriteByte appends a single byte.
func (buf *Buffer) WriteByte(b byte) { buf.b = append(buf.b, b) }

// Write appends a byte sequence.
func (buf *Buffer) Write(b []byte) { buf.b = append(buf.b, b...) }

// WriteUint32 appends a little-endian 32-bit value, as used for disp32 and
// rel32 fields.
func (buf *Buffer) WriteUint32(u uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], u)
	buf.b = append(buf.b, tmp[:]...)
}

// WriteUint64 appends a little-endian 64-bit value, as used for mov r64,
// imm64 and for embedding absolute host-function addresses.
func (buf *Buffer) WriteUint64(u uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], u)
	buf.b = append(buf.b, tmp[:]...)
}

// PatchByte overwrites the single byte at offset, previously recorded by a
// caller via Len before emitting a placeholder rel8 displacement.
func (buf *Buffer) PatchByte(offset int, v byte) {
	buf.b[offset] = v
}

// PatchUint32 overwrites the 4-byte little-endian value at offset,
// previously recorded by a caller before emitting a placeholder rel32
// displacement.
func (buf *Buffer) PatchUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(buf.b[offset:offset+4], v)
}
