package varpool

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/cobyte/allocore/allocstats"
	"github.com/cobyte/allocore/bytesource"
	"github.com/cobyte/allocore/internal/memutil"
)

// defaultChunkSize is the default for Options.DefaultChunkSize: the smallest
// chunk grow() requests from the Source, however small the triggering
// allocation is. Amortizes
// Source.Acquire calls the same way fixalloc's defaultSlotsPerChunk does.
const defaultChunkSize = 64 * 1024

const (
	// chunkHeaderSize/chunkFooterSize are granularity-sized (not just
	// wordSize) so the first in-chunk block always starts at a properly
	// aligned address: the header word holds the previous chunk's base
	// address, the rest is padding.
	chunkHeaderSize = granularity
	chunkFooterSize = granularity
)

// SearchPolicy selects the free-list search strategy. Only FirstFit exists
// today; the type exists so a future best-fit/next-fit policy doesn't
// require an incompatible signature change.
type SearchPolicy int

const (
	// FirstFit returns the first free block encountered in list order (LIFO
	// insertion order: most recently freed first) that is large enough.
	FirstFit SearchPolicy = iota
)

// Options configures a Pool.
type Options struct {
	// Source acquires and releases the chunks backing every block. Nil
	// selects a fresh bytesource.Heap.
	Source bytesource.Source

	// DefaultChunkSize is the floor on how many bytes grow() requests at
	// once. Zero selects defaultChunkSize.
	DefaultChunkSize uintptr

	// SearchPolicy selects the free-list search strategy. Reserved for
	// future use; only FirstFit is implemented.
	SearchPolicy SearchPolicy

	// Log, if non-nil, receives diagnostic events at Debug/Warn level.
	Log *logrus.Logger

	// OnInvalidPointer, if non-nil, is called synchronously from Free or
	// Realloc when a pointer's provenance mask does not match. It must not
	// call back into the Pool.
	OnInvalidPointer func(p unsafe.Pointer)
}

// DefaultOptions returns an Options with a 64KiB chunk floor and a fresh
// bytesource.Heap.
func DefaultOptions() Options {
	return Options{
		Source:           bytesource.NewHeap(),
		DefaultChunkSize: defaultChunkSize,
	}
}

// chunkMeta is Go-side bookkeeping for one acquired chunk, so Destroy knows
// what to hand back to the Source. Never stored inside the chunk itself.
type chunkMeta struct {
	base unsafe.Pointer
	size uintptr
	prev *chunkMeta
}

// Pool is a variable-size, boundary-tagged byte-region allocator.
//
// A Pool is never a singleton: construct one per region of memory you want
// managed independently via New.
type Pool struct {
	opts Options

	chunks   *chunkMeta
	freeHead unsafe.Pointer // head of the explicit free list, or nil

	stats allocstats.Pool
}

// New constructs an empty Pool. Chunks are acquired lazily on first Alloc.
func New(opts Options) *Pool {
	if opts.Source == nil {
		opts.Source = bytesource.NewHeap()
	}
	if opts.DefaultChunkSize == 0 {
		opts.DefaultChunkSize = defaultChunkSize
	}
	return &Pool{opts: opts}
}

// Alloc returns a pointer to at least size bytes, or an error if the byte
// source is exhausted while growing. Alloc(0) returns (nil, nil). The memory
// is not zeroed: it may hold free-list links or data from an earlier owner.
func (p *Pool) Alloc(size uintptr) (unsafe.Pointer, error) {
	p.stats.AllocCalls++
	if size == 0 {
		return nil, nil
	}

	allocSize := requestSize(size)

	if b, ok := p.findFit(allocSize); ok {
		p.carveAllocated(b, allocSize)
		return b.payload(), nil
	}

	if err := p.grow(allocSize); err != nil {
		return nil, err
	}

	b, ok := p.findFit(allocSize)
	if !ok {
		// grow() always leaves behind a block large enough for the
		// allocation that triggered it; reaching here means the byte
		// source lied about the size it handed back.
		return nil, ErrOutOfMemory
	}
	p.carveAllocated(b, allocSize)
	return b.payload(), nil
}

// requestSize converts a caller-visible payload size into the block size
// (header included) that must be carved out of the free list, rounded up to
// granularity and floored at minBlockSize.
func requestSize(size uintptr) uintptr {
	n := roundUp(headerSize+size, granularity)
	if n < minBlockSize {
		n = minBlockSize
	}
	return n
}

// findFit performs a first-fit search of the free list.
func (p *Pool) findFit(allocSize uintptr) (block, bool) {
	for cur := p.freeHead; cur != nil; {
		b := block{cur}
		next := b.freeNext()
		if b.size() >= allocSize {
			return b, true
		}
		cur = next
	}
	return block{}, false
}

// carveAllocated removes b from the free list and turns it into an
// allocated block of allocSize bytes, splitting off a free remainder when
// one would still be large enough to hold a block of its own; otherwise the
// whole of b, remainder included, stays allocated.
func (p *Pool) carveAllocated(b block, allocSize uintptr) {
	freeListRemove(&p.freeHead, b)

	wasLast := b.isLast()
	prevFree := b.isPrevFree()
	remainder := b.size() - allocSize

	if remainder >= minBlockSize {
		p.stats.SplitCount++

		s := block{memutil.Add(b.hp, allocSize)}
		s.setHeader(remainder, true, false, wasLast)
		s.writeFooter()
		if !wasLast {
			s.next().setPrevFree(true)
		}
		freeListInsert(&p.freeHead, s)

		b.setHeader(allocSize, false, prevFree, false)
	} else {
		b.setHeader(b.size(), false, prevFree, wasLast)
		if !wasLast {
			b.next().setPrevFree(false)
		}
	}

	b.setMask(b.payload())
}

// Free returns p to the pool. If p's provenance mask does not match, the
// call is rejected and counted rather than corrupting pool state — same
// contract as fixalloc.Allocator.Free.
func (p *Pool) Free(ptr unsafe.Pointer) {
	p.stats.FreeCalls++
	if ptr == nil {
		return
	}

	b := block{memutil.AddSigned(ptr, -int(headerSize))}
	if b.mask() != uintptr(ptr) {
		p.rejectInvalid(ptr)
		return
	}

	b = p.coalesce(b)
	p.commitFree(b)
}

func (p *Pool) rejectInvalid(ptr unsafe.Pointer) {
	p.stats.InvalidFrees++
	if p.opts.OnInvalidPointer != nil {
		p.opts.OnInvalidPointer(ptr)
	}
	if p.opts.Log != nil {
		p.opts.Log.WithField("addr", ptr).Warn("varpool: rejected invalid pointer")
	}
}

// coalesce merges b forward into a free physical successor and backward
// into a free physical predecessor, returning the (possibly relocated)
// merged block. b must not currently be on the free list.
func (p *Pool) coalesce(b block) block {
	if !b.isLast() {
		nb := b.next()
		if nb.isFree() {
			freeListRemove(&p.freeHead, nb)
			p.stats.CoalesceForward++
			b.setHeader(b.size()+nb.size(), false, b.isPrevFree(), nb.isLast())
		}
	}

	if b.isPrevFree() {
		pb := b.prevFreeHeader()
		freeListRemove(&p.freeHead, pb)
		p.stats.CoalesceBackward++
		merged := block{pb.hp}
		merged.setHeader(pb.size()+b.size(), false, pb.isPrevFree(), b.isLast())
		b = merged
	}

	return b
}

// commitFree marks the (already coalesced) block b free, writes its
// footer, tells its physical successor it is now preceded by a free block,
// and inserts it at the free-list head.
func (p *Pool) commitFree(b block) {
	// Clear the mask so a stale or repeated pointer into this address no
	// longer validates — the free-list prev/next pointers live further
	// into the payload, past the mask word, so unlike fixalloc's
	// single-word slot this needs an explicit wipe.
	b.setMask(nil)
	b.setHeader(b.size(), true, b.isPrevFree(), b.isLast())
	b.writeFooter()
	if !b.isLast() {
		b.next().setPrevFree(true)
	}
	freeListInsert(&p.freeHead, b)
}

// Realloc resizes the allocation at ptr to size bytes, preserving the
// lesser of the old and new sizes worth of content at the front.
// Realloc(nil, size) behaves like Alloc(size); Realloc(ptr, 0) behaves like
// Free(ptr) and returns nil.
func (p *Pool) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	p.stats.ReallocCalls++

	if ptr == nil {
		return p.Alloc(size)
	}

	b := block{memutil.AddSigned(ptr, -int(headerSize))}
	if b.mask() != uintptr(ptr) {
		p.rejectInvalid(ptr)
		return nil, nil
	}

	oldPayloadSize := b.size() - headerSize

	if size == 0 {
		merged := p.coalesce(b)
		p.commitFree(merged)
		return nil, nil
	}

	// Snapshot the live payload before any coalescing below gets a chance
	// to write free-list pointers over its first two words.
	saved := append([]byte(nil), unsafe.Slice((*byte)(ptr), oldPayloadSize)...)

	allocSize := requestSize(size)

	if !b.isLast() {
		nb := b.next()
		if nb.isFree() {
			freeListRemove(&p.freeHead, nb)
			p.stats.CoalesceForward++
			b.setHeader(b.size()+nb.size(), false, b.isPrevFree(), nb.isLast())
		}
	}

	if b.size() >= allocSize {
		p.carveInPlace(b, allocSize)
		return b.payload(), nil
	}

	if b.isPrevFree() {
		pb := b.prevFreeHeader()
		freeListRemove(&p.freeHead, pb)
		p.stats.CoalesceBackward++
		merged := block{pb.hp}
		merged.setHeader(pb.size()+b.size(), false, pb.isPrevFree(), b.isLast())
		b = merged

		if b.size() >= allocSize {
			p.carveInPlace(b, allocSize)
			newPayload := b.payload()
			copy(unsafe.Slice((*byte)(newPayload), oldPayloadSize), saved)
			return newPayload, nil
		}
	}

	// Fallthrough: b has already absorbed whatever free neighbors it had,
	// but still doesn't fit. Free it outright and allocate fresh.
	p.commitFree(b)
	newPayload, err := p.Alloc(size)
	if err != nil {
		return nil, err
	}
	n := oldPayloadSize
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(newPayload), n), saved[:n])
	return newPayload, nil
}

// carveInPlace is carveAllocated for a block that is not (and was never
// placed) on the free list — the in-place paths of Realloc.
func (p *Pool) carveInPlace(b block, allocSize uintptr) {
	wasLast := b.isLast()
	prevFree := b.isPrevFree()
	remainder := b.size() - allocSize

	if remainder >= minBlockSize {
		p.stats.SplitCount++

		s := block{memutil.Add(b.hp, allocSize)}
		s.setHeader(remainder, true, false, wasLast)
		s.writeFooter()
		if !wasLast {
			s.next().setPrevFree(true)
		}
		freeListInsert(&p.freeHead, s)

		b.setHeader(allocSize, false, prevFree, false)
	} else {
		b.setHeader(b.size(), false, prevFree, wasLast)
		if !wasLast {
			b.next().setPrevFree(false)
		}
	}

	b.setMask(b.payload())
}

// grow acquires a new chunk large enough to satisfy allocSize (plus chunk
// overhead), formats it as a single free block spanning the whole chunk,
// and inserts that block into the free list.
func (p *Pool) grow(allocSize uintptr) error {
	need := chunkHeaderSize + chunkFooterSize + allocSize + minBlockSize
	chunkSize := p.opts.DefaultChunkSize
	if chunkSize < need {
		chunkSize = ceilPow2(need)
	}

	base, err := p.opts.Source.Acquire(chunkSize)
	if err != nil {
		return errGrowFailed(err)
	}

	var prevBase uintptr
	if p.chunks != nil {
		prevBase = uintptr(p.chunks.base)
	}
	memutil.StoreUintptr(base, prevBase)
	memutil.StoreUintptr(memutil.Add(base, chunkSize-chunkFooterSize), prevBase)

	p.chunks = &chunkMeta{base: base, size: chunkSize, prev: p.chunks}
	p.stats.GrowCalls++

	usable := chunkSize - chunkHeaderSize - chunkFooterSize
	fb := block{memutil.Add(base, chunkHeaderSize)}
	fb.setHeader(usable, true, false, true)
	fb.writeFooter()
	freeListInsert(&p.freeHead, fb)

	if p.opts.Log != nil {
		p.opts.Log.WithField("bytes", chunkSize).Debug("varpool: grew by one chunk")
	}

	return nil
}

// Destroy releases every chunk back to the byte source, in reverse
// acquisition order, and resets the pool to empty.
func (p *Pool) Destroy() {
	for c := p.chunks; c != nil; {
		next := c.prev
		p.opts.Source.Release(c.base, c.size)
		c = next
	}
	p.chunks = nil
	p.freeHead = nil
	p.stats = allocstats.Pool{}
}

// Block is a read-only snapshot of one block, surfaced by Walk.
type Block struct {
	Addr unsafe.Pointer
	Size uintptr
	Free bool
}

// Walk visits every block in every chunk, in address order within each
// chunk, stopping early if fn returns false. Intended for diagnostics and
// tests; never called from Alloc/Free/Realloc.
func (p *Pool) Walk(fn func(Block) bool) {
	for c := p.chunks; c != nil; c = c.prev {
		hp := memutil.Add(c.base, chunkHeaderSize)
		for {
			b := block{hp}
			size := b.size()
			if !fn(Block{Addr: hp, Size: size, Free: b.isFree()}) {
				return
			}
			if b.isLast() {
				break
			}
			hp = memutil.Add(hp, size)
		}
	}
}

// Stats returns a snapshot of diagnostic counters. Live/free byte totals
// are computed by walking the current block structure; call counters are
// cheap running totals. Never consulted internally.
func (p *Pool) Stats() allocstats.Pool {
	s := p.stats
	for c := p.chunks; c != nil; c = c.prev {
		s.Chunks++
	}
	p.Walk(func(b Block) bool {
		if b.Free {
			s.FreeBytes += int64(b.Size - headerSize - footerSize)
		} else {
			s.LiveBytes += int64(b.Size - headerSize)
		}
		return true
	})
	return s
}
