package varpool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cobyte/allocore/bytesource"
)

func newTestPool(t *testing.T, chunkSize uintptr) *Pool {
	t.Helper()
	opts := DefaultOptions()
	opts.Source = bytesource.NewHeap()
	if chunkSize > 0 {
		opts.DefaultChunkSize = chunkSize
	}
	return New(opts)
}

func write(p unsafe.Pointer, n uintptr, b byte) {
	s := unsafe.Slice((*byte)(p), n)
	for i := range s {
		s[i] = b
	}
}

func readAt(p unsafe.Pointer, n uintptr) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(p), n)...)
}

// S3 (variable split): a single small allocation out of a fresh chunk
// leaves behind exactly one allocated block and one free trailing block.
func TestSplitLeavesOneAllocatedOneFreeBlock(t *testing.T) {
	p := newTestPool(t, 4096)

	ptr, err := p.Alloc(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	var allocated, free int
	p.Walk(func(b Block) bool {
		if b.Free {
			free++
		} else {
			allocated++
		}
		return true
	})
	require.Equal(t, 1, allocated)
	require.Equal(t, 1, free)
}

// S4 (variable coalesce): freeing three adjacent live blocks, in any order,
// collapses them (plus the trailing free tail) into one free block.
func TestFreeingAdjacentBlocksCoalesces(t *testing.T) {
	p := newTestPool(t, 4096)

	p1, err := p.Alloc(100)
	require.NoError(t, err)
	p2, err := p.Alloc(100)
	require.NoError(t, err)
	p3, err := p.Alloc(100)
	require.NoError(t, err)

	p.Free(p2)
	p.Free(p1)
	p.Free(p3)

	var free, allocated int
	p.Walk(func(b Block) bool {
		if b.Free {
			free++
		} else {
			allocated++
		}
		return true
	})
	require.Equal(t, 0, allocated)
	require.Equal(t, 1, free, "all three blocks plus the trailing tail should have coalesced into one")
}

// S5 (reallocate in place): growing into a free following block returns the
// same pointer; otherwise the prefix is preserved at the new pointer.
func TestReallocGrowsInPlaceWhenNeighborIsFree(t *testing.T) {
	p := newTestPool(t, 4096)

	a, err := p.Alloc(100)
	require.NoError(t, err)
	b, err := p.Alloc(100)
	require.NoError(t, err)

	write(a, 100, 0xAB)

	// Free b so a can grow into it.
	p.Free(b)

	q, err := p.Realloc(a, 200)
	require.NoError(t, err)
	require.Equal(t, a, q)

	got := readAt(q, 100)
	for _, c := range got {
		require.Equal(t, byte(0xAB), c)
	}
}

// Regression: forward-merging a free neighbor during Realloc and consuming
// it whole (no split left over) must still clear isPrevFree on whatever
// block follows the merged result — otherwise that block's footer pointer
// is stale and freeing it later corrupts the free list.
func TestReallocForwardMergeConsumedWholeClearsSuccessorPrevFree(t *testing.T) {
	p := newTestPool(t, 4096)

	a, err := p.Alloc(10)
	require.NoError(t, err)
	btmp, err := p.Alloc(10)
	require.NoError(t, err)
	x, err := p.Alloc(10)
	require.NoError(t, err)

	write(a, 10, 0x11)
	write(x, 10, 0x22)

	// Freeing btmp marks x as preceded by a free block.
	p.Free(btmp)

	// Pick a request size whose rounded block size exactly equals a's size
	// plus btmp's size, so the forward merge is consumed whole rather than
	// split (remainder == 0 < minBlockSize).
	q, err := p.Realloc(a, 70)
	require.NoError(t, err)
	require.Equal(t, a, q, "merge should grow in place")

	got := readAt(q, 10)
	for _, c := range got {
		require.Equal(t, byte(0x11), c)
	}

	// x must still be intact, and freeing it must not corrupt the free
	// list or clobber the now-allocated block preceding it.
	p.Free(x)
	assertFreeListWellFormed(t, p)

	b2, err := p.Alloc(10)
	require.NoError(t, err)
	got2 := readAt(q, 10)
	for _, c := range got2 {
		require.Equal(t, byte(0x11), c, "merged block must survive a subsequent unrelated alloc")
	}
	require.NotNil(t, b2)
}

func TestReallocRelocatesAndPreservesPrefixWhenNoRoom(t *testing.T) {
	p := newTestPool(t, 4096)

	a, err := p.Alloc(100)
	require.NoError(t, err)
	// Keep the neighbor allocated so in-place growth is impossible.
	_, err = p.Alloc(100)
	require.NoError(t, err)

	write(a, 100, 0x42)

	q, err := p.Realloc(a, 3000)
	require.NoError(t, err)
	require.NotEqual(t, a, q)

	got := readAt(q, 100)
	for _, c := range got {
		require.Equal(t, byte(0x42), c)
	}
}

// S6 (fragmentation + large alloc): alternating free across ten small
// blocks still leaves the pool able to satisfy a much larger request, and
// the free list remains well-formed (no duplicate or dangling entries).
func TestFragmentationThenLargeAllocStillSucceeds(t *testing.T) {
	p := newTestPool(t, 4096)

	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		ptr, err := p.Alloc(256)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	for i := 0; i < len(ptrs); i += 2 {
		p.Free(ptrs[i])
	}

	big, err := p.Alloc(1024)
	require.NoError(t, err)
	require.NotNil(t, big)

	assertFreeListWellFormed(t, p)
}

func assertFreeListWellFormed(t *testing.T, p *Pool) {
	t.Helper()
	seen := map[unsafe.Pointer]bool{}
	for cur := p.freeHead; cur != nil; {
		b := block{cur}
		require.True(t, b.isFree())
		require.False(t, seen[cur], "cycle or duplicate entry in free list")
		seen[cur] = true
		cur = b.freeNext()
	}
}

// Invariant 7: a pointer this pool never produced is rejected without
// corrupting subsequent operations.
func TestForeignPointerRejectedOnFreeAndRealloc(t *testing.T) {
	p := newTestPool(t, 4096)

	a, err := p.Alloc(64)
	require.NoError(t, err)

	var foreign [256]byte
	foreignPtr := unsafe.Pointer(&foreign[32])

	before := p.Stats().InvalidFrees
	p.Free(foreignPtr)
	require.Equal(t, before+1, p.Stats().InvalidFrees)

	q, err := p.Realloc(foreignPtr, 128)
	require.NoError(t, err)
	require.Nil(t, q)
	require.Equal(t, before+2, p.Stats().InvalidFrees)

	// Pool is still usable.
	b, err := p.Alloc(64)
	require.NoError(t, err)
	require.NotSame(t, a, b)
}

func TestDoubleFreeRejected(t *testing.T) {
	p := newTestPool(t, 4096)

	a, err := p.Alloc(64)
	require.NoError(t, err)

	p.Free(a)
	require.Equal(t, int64(0), p.Stats().InvalidFrees)

	p.Free(a)
	require.Equal(t, int64(1), p.Stats().InvalidFrees)
}

// Invariant 8: destroying the pool returns every chunk to the source.
func TestDestroyReleasesAllChunks(t *testing.T) {
	p := newTestPool(t, 4096)

	for i := 0; i < 50; i++ {
		_, err := p.Alloc(256)
		require.NoError(t, err)
	}
	require.Greater(t, p.Stats().Chunks, 0)

	p.Destroy()
	require.Equal(t, 0, p.Stats().Chunks)
	require.Equal(t, int64(0), p.Stats().LiveBytes)
}

func TestAllocZeroReturnsNil(t *testing.T) {
	p := newTestPool(t, 4096)
	ptr, err := p.Alloc(0)
	require.NoError(t, err)
	require.Nil(t, ptr)
}

func TestReallocToZeroFreesAndReturnsNil(t *testing.T) {
	p := newTestPool(t, 4096)
	a, err := p.Alloc(64)
	require.NoError(t, err)

	q, err := p.Realloc(a, 0)
	require.NoError(t, err)
	require.Nil(t, q)

	b, err := p.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, a, b, "the freed block should be recycled")
}

func TestReallocNilBehavesLikeAlloc(t *testing.T) {
	p := newTestPool(t, 4096)
	ptr, err := p.Realloc(nil, 128)
	require.NoError(t, err)
	require.NotNil(t, ptr)
}

// Growing across multiple chunks works the same way a fresh chunk does.
func TestGrowsAcrossMultipleChunksWhenExhausted(t *testing.T) {
	p := newTestPool(t, 512)

	var ptrs []unsafe.Pointer
	for i := 0; i < 20; i++ {
		ptr, err := p.Alloc(200)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.Greater(t, p.Stats().Chunks, 1)

	seen := map[unsafe.Pointer]bool{}
	for _, ptr := range ptrs {
		require.False(t, seen[ptr], "duplicate live address")
		seen[ptr] = true
	}
}

// No-overlap + sized-writes-safe: every live region can be filled up to its
// requested size without clobbering a neighbor.
func TestLiveRegionsDoNotOverlap(t *testing.T) {
	p := newTestPool(t, 4096)

	sizes := []uintptr{48, 96, 33, 512, 17}
	var ptrs []unsafe.Pointer
	for _, s := range sizes {
		ptr, err := p.Alloc(s)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	for i, ptr := range ptrs {
		write(ptr, sizes[i], byte(i+1))
	}
	for i, ptr := range ptrs {
		got := readAt(ptr, sizes[i])
		for _, c := range got {
			require.Equal(t, byte(i+1), c)
		}
	}
}

func TestPayloadAlignment(t *testing.T) {
	p := newTestPool(t, 4096)
	for _, s := range []uintptr{1, 7, 64, 513} {
		ptr, err := p.Alloc(s)
		require.NoError(t, err)
		require.Zero(t, uintptr(ptr)%granularity)
	}
}
