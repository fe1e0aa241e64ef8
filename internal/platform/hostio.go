// Package platform is the native runtime of spec §4.9: it maps an RWX
// region sized exactly to the emitted code, copies the code in, invokes it
// with a fresh 30,000-byte tape, and unmaps the region afterward. It also
// resolves the two host functions jitted code calls by absolute address
// (spec §4.7/§4.9/§9's "module-level host-function addresses").
//
// Resolving putchar/getchar's actual addresses is the one place this
// module cannot stay in pure Go: spec §4.9 calls specifically for "the
// host's C-library putchar/getchar", and Go programs are not linked
// against libc by default. cgo is the idiomatic bridge the Go ecosystem
// uses for exactly this (calling into / addressing C symbols); it is the
// one piece of this repository's ambient stack that is not a Go module
// dependency but a build-time requirement (a C toolchain), noted in
// DESIGN.md.
package platform

/*
#include <stdio.h>

static uintptr_t bfjit_putchar_addr(void) { return (uintptr_t)&putchar; }
static uintptr_t bfjit_getchar_addr(void) { return (uintptr_t)&getchar; }
*/
import "C"

// PutCharAddr returns the absolute address of the host libc's putchar,
// embedded by internal/compiler as a 64-bit immediate in jitted code.
func PutCharAddr() uint64 { return uint64(C.bfjit_putchar_addr()) }

// GetCharAddr returns the absolute address of the host libc's getchar.
func GetCharAddr() uint64 { return uint64(C.bfjit_getchar_addr()) }

// FlushStdout flushes libc's stdout stream. Jitted code writes through
// putchar directly against the host's FILE* stdout, which glibc fully
// buffers whenever stdout is not a tty (e.g. redirected to a pipe); Run
// calls this once the jitted function returns so the bytes it wrote are
// guaranteed visible to the underlying file descriptor before Run returns.
func FlushStdout() { C.fflush(C.stdout) }
