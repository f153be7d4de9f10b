//go:build unix

package bytesource

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Mmap backs chunks with anonymous, private mmap(2) regions entirely
// outside the Go heap — invisible to the GC, matching spec's framing of the
// allocators as drop-in replacements for a general-purpose heap more
// literally than the Heap source does.
//
// Grounded in the teacher repository's memory_and_heap/mem_linux.go sysAlloc, which
// drives the same syscalls for the Go runtime's own page allocator.
type Mmap struct {
	Log *logrus.Logger // optional; nil disables diagnostic logging
}

// NewMmap constructs a ready-to-use Mmap source.
func NewMmap() *Mmap { return &Mmap{} }

func (m *Mmap) Acquire(n uintptr) (unsafe.Pointer, error) {
	if n == 0 {
		return nil, errors.New("bytesource: Acquire(0)")
	}

	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "bytesource: mmap failed")
	}

	if m.Log != nil {
		m.Log.WithField("bytes", n).Debug("bytesource: mmap chunk acquired")
	}

	return unsafe.Pointer(&b[0]), nil
}

func (m *Mmap) Release(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	if err := unix.Munmap(b); err != nil && m.Log != nil {
		m.Log.WithError(err).WithField("bytes", n).Warn("bytesource: munmap failed")
		return
	}

	if m.Log != nil {
		m.Log.WithField("bytes", n).Debug("bytesource: mmap chunk released")
	}
}
