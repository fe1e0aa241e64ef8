package platform

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gobf/bfjit/internal/bferrors"
)

var log = logrus.WithField("stage", "run")

// TapeSize is the fixed tape length of spec §3: a 30,000-byte region of
// 8-bit cells, zero-initialized per invocation.
const TapeSize = 30000

// Run maps an anonymous, private RWX region of exactly len(code) bytes,
// copies code into it, reinterprets its base address as a function pointer
// taking one *byte argument (the tape base) and returning void, allocates a
// fresh zeroed tape, and calls in. The region is unmapped before Run
// returns, matching spec §5's "one mmap, one copy, one call, one munmap"
// resource model.
func Run(code []byte) error {
	if len(code) == 0 {
		return nil
	}

	region, err := unix.Mmap(-1, 0, len(code),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return errors.Wrap(bferrors.ErrHostAllocation, err.Error())
	}
	defer func() {
		if err := unix.Munmap(region); err != nil {
			log.WithError(err).Warn("failed to unmap jit code region")
		}
	}()

	copy(region, code)

	tape := make([]byte, TapeSize)
	log.WithField("code_bytes", len(code)).Debug("entering jitted code")
	invoke(region, &tape[0])
	FlushStdout()
	log.Debug("jitted code returned")
	return nil
}

// invoke casts region's base address to a System V function pointer and
// calls it with tapeBase. Go does not expose a supported way to call raw
// machine code directly, so this reconstructs a func value by hand: a
// non-closure Go func value is itself just a pointer to a single-field
// struct holding the entry PC, so writing the code's address into such a
// cell and taking entry's underlying word to point at that cell produces a
// callable value. No cache flush is required before the call; x86-64 has a
// coherent instruction cache (spec §4.9).
func invoke(region []byte, tapeBase *byte) {
	codeAddr := uintptr(unsafe.Pointer(&region[0]))
	var entry func(*byte)
	entryWord := (*uintptr)(unsafe.Pointer(&entry))
	*entryWord = uintptr(unsafe.Pointer(&codeAddr))

	entry(tapeBase)

	runtime.KeepAlive(region)
	runtime.KeepAlive(codeAddr)
}
