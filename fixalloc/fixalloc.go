// Package fixalloc implements a fixed-size object allocator: a free-list
// recycler for T-shaped slots, backed by chunks of N slots acquired in bulk
// from a bytesource.Source.
//
// It is the Go-generic descendant of two ancestors in this codebase's
// lineage: the C++ Allocator<T> template it was distilled from (chunked
// free-list, no provenance check), and the teacher repository's
// memory_and_heap/mfixalloc.go (the Go runtime's FixAlloc — same free-list
// idiom, same "first word gets smashed" contract, but trusted, single-owner
// internal memory with no tamper check). Allocator[T] keeps both ancestors'
// chunking/free-list shape but adds the provenance mask spec mandates for a
// public, untrusted-caller API (see Free).
package fixalloc

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/cobyte/allocore/allocstats"
	"github.com/cobyte/allocore/bytesource"
	"github.com/cobyte/allocore/internal/memutil"
)

// defaultSlotsPerChunk is N, the number of slots carved out of each chunk
// acquired from the byte source. Spec recommends N in [64, 4096]; 512 sits
// comfortably in the middle, amortizing chunk-acquisition cost without
// making a single chunk unreasonably large for small T.
const defaultSlotsPerChunk = 512

// Options configures an Allocator[T].
type Options struct {
	// SlotsPerChunk is N. Zero selects defaultSlotsPerChunk.
	SlotsPerChunk int

	// Source acquires and releases the chunks backing every slot. Nil
	// selects a fresh bytesource.Heap.
	Source bytesource.Source

	// Log, if non-nil, receives diagnostic events (chunk grows, provenance
	// rejections) at Debug/Warn level. Nil disables logging entirely.
	Log *logrus.Logger

	// OnInvalidPointer, if non-nil, is called synchronously from Free when
	// a pointer's provenance mask does not match. It never blocks Free from
	// completing (as a no-op) and must not itself call back into the
	// allocator.
	OnInvalidPointer func(p unsafe.Pointer)
}

// DefaultOptions returns an Options with N=512 and a fresh bytesource.Heap.
func DefaultOptions() Options {
	return Options{
		SlotsPerChunk: defaultSlotsPerChunk,
		Source:        bytesource.NewHeap(),
	}
}

// chunkMeta is bookkeeping for one acquired chunk, kept on the Go side
// (never inside the raw chunk itself) so Destroy knows what to hand back to
// the Source. Chunks form a singly-linked stack in acquisition order, newest
// first, mirroring spec's Chunk.prev field.
type chunkMeta struct {
	base unsafe.Pointer
	size uintptr
	prev *chunkMeta
}

// Allocator is a fixed-size recycler for T-shaped slots.
//
// Not safe for concurrent use; the caller serializes Alloc/Free/Destroy
// exactly as spec's concurrency model requires.
type Allocator[T any] struct {
	opts     Options
	slotSize uintptr // max(unsafe.Sizeof(T), WordSize), rounded to pointer alignment

	chunks   *chunkMeta
	freeHead unsafe.Pointer // first free slot, or nil

	stats allocstats.Fixed
}

// New constructs an empty Allocator[T]. Chunks are acquired lazily on first
// Alloc.
func New[T any](opts Options) *Allocator[T] {
	if opts.SlotsPerChunk <= 0 {
		opts.SlotsPerChunk = defaultSlotsPerChunk
	}
	if opts.Source == nil {
		opts.Source = bytesource.NewHeap()
	}

	var zero T
	size := unsafe.Sizeof(zero)
	if size < memutil.WordSize {
		size = memutil.WordSize
	}
	size = memutil.RoundUp(size, unsafe.Alignof(uintptr(0)))

	return &Allocator[T]{
		opts:     opts,
		slotSize: size,
	}
}

// Alloc returns a pointer to a zero-value-sized T slot. It never fails in
// logic terms; the only possible error is byte-source exhaustion while
// acquiring a new chunk.
func (a *Allocator[T]) Alloc() (*T, error) {
	a.stats.AllocCalls++

	if a.freeHead == nil {
		if err := a.grow(); err != nil {
			return nil, err
		}
	}

	slot := a.freeHead
	a.freeHead = unsafe.Pointer(memutil.LoadUintptr(slot))
	a.stats.FreeSlots--
	a.stats.LiveSlots++

	// Install the provenance mask: the payload's own address, overwriting
	// the free-list link grow() or Free left in the first word. Past the
	// first word, a fresh slot is still zeroed as the byte source returned
	// it; a recycled slot keeps whatever its previous owner wrote there.
	memutil.StoreUintptr(slot, uintptr(slot))

	return (*T)(slot), nil
}

// Free returns p to the free list. If p's provenance mask does not match —
// it was not produced by this Allocator instance, or the caller's own first
// word happens to have clobbered it — the call is silently ignored per
// spec's InvalidPointer handling; it never corrupts allocator state.
//
// This check is a cheap, deliberately imperfect tamper detector (see
// SPEC_FULL §9 / design notes): once a caller overwrites the first word of
// a live T with real data, the check can no longer distinguish a legitimate
// free of that slot from a foreign pointer. It still catches the common
// double-free and wrong-allocator cases where the first word was left
// untouched.
func (a *Allocator[T]) Free(p *T) {
	a.stats.FreeCalls++

	slot := unsafe.Pointer(p)
	if memutil.LoadUintptr(slot) != uintptr(slot) {
		a.stats.InvalidFrees++
		if a.opts.OnInvalidPointer != nil {
			a.opts.OnInvalidPointer(slot)
		}
		if a.opts.Log != nil {
			a.opts.Log.WithField("addr", slot).Warn("fixalloc: rejected invalid pointer on Free")
		}
		return
	}

	memutil.StoreUintptr(slot, uintptr(a.freeHead))
	a.freeHead = slot
	a.stats.LiveSlots--
	a.stats.FreeSlots++
}

// Destroy releases every chunk back to the byte source, in reverse
// acquisition order, and resets the allocator to empty.
func (a *Allocator[T]) Destroy() {
	for c := a.chunks; c != nil; {
		next := c.prev
		a.opts.Source.Release(c.base, c.size)
		c = next
	}
	a.chunks = nil
	a.freeHead = nil
	a.stats = allocstats.Fixed{}
}

// Stats returns a snapshot of diagnostic counters. Never consulted
// internally; safe to call at any time.
func (a *Allocator[T]) Stats() allocstats.Fixed {
	s := a.stats
	s.Chunks = a.chunkCount()
	return s
}

func (a *Allocator[T]) chunkCount() int {
	n := 0
	for c := a.chunks; c != nil; c = c.prev {
		n++
	}
	return n
}

// grow acquires a new chunk of opts.SlotsPerChunk slots, threads them into a
// free list (slot[0].next = slot[1], ..., slot[N-1].next = nil), and pushes
// the chunk onto the chunk stack.
func (a *Allocator[T]) grow() error {
	n := uintptr(a.opts.SlotsPerChunk) * a.slotSize

	base, err := a.opts.Source.Acquire(n)
	if err != nil {
		return errGrowFailed(err)
	}

	a.chunks = &chunkMeta{base: base, size: n, prev: a.chunks}
	a.stats.GrowCalls++

	for i := 0; i < a.opts.SlotsPerChunk; i++ {
		slot := memutil.Add(base, uintptr(i)*a.slotSize)
		var next uintptr
		if i+1 < a.opts.SlotsPerChunk {
			next = uintptr(memutil.Add(base, uintptr(i+1)*a.slotSize))
		}
		memutil.StoreUintptr(slot, next)
	}

	a.freeHead = base
	a.stats.FreeSlots += a.opts.SlotsPerChunk

	if a.opts.Log != nil {
		a.opts.Log.WithField("slots", a.opts.SlotsPerChunk).WithField("bytes", n).
			Debug("fixalloc: grew by one chunk")
	}

	return nil
}
