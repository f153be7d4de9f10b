package bytesource

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Heap backs chunks with ordinary Go-heap byte slices, pinned with a
// runtime.Pinner so the garbage collector never relocates or scans memory
// handed out as a raw address to fixalloc/varpool. It is the default Source
// used by both allocators' DefaultOptions().
type Heap struct {
	Log *logrus.Logger // optional; nil disables diagnostic logging

	mu   sync.Mutex
	live map[unsafe.Pointer]*heapChunk
}

type heapChunk struct {
	buf []byte
	pin runtime.Pinner
}

// NewHeap constructs a ready-to-use Heap source.
func NewHeap() *Heap {
	return &Heap{live: make(map[unsafe.Pointer]*heapChunk)}
}

func (h *Heap) Acquire(n uintptr) (unsafe.Pointer, error) {
	if n == 0 {
		return nil, errors.New("bytesource: Acquire(0)")
	}

	buf := make([]byte, n)
	p := unsafe.Pointer(&buf[0])

	c := &heapChunk{buf: buf}
	c.pin.Pin(p)

	h.mu.Lock()
	if h.live == nil {
		h.live = make(map[unsafe.Pointer]*heapChunk)
	}
	h.live[p] = c
	h.mu.Unlock()

	if h.Log != nil {
		h.Log.WithField("bytes", n).Debug("bytesource: heap chunk acquired")
	}

	return p, nil
}

func (h *Heap) Release(p unsafe.Pointer, n uintptr) {
	h.mu.Lock()
	c, ok := h.live[p]
	if ok {
		delete(h.live, p)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	c.pin.Unpin()

	if h.Log != nil {
		h.Log.WithField("bytes", n).Debug("bytesource: heap chunk released")
	}
}
