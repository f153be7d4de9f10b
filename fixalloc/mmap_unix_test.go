//go:build unix

package fixalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobyte/allocore/bytesource"
)

// S8 (mmap source parity): the basic alloc/free/reuse sequence holds
// identically when chunks come from an OS mmap region instead of the Go
// heap.
func TestMmapSourceBasicSequence(t *testing.T) {
	opts := DefaultOptions()
	opts.Source = bytesource.NewMmap()
	opts.SlotsPerChunk = 4
	a := New[slot64](opts)
	defer a.Destroy()

	p1, err := a.Alloc()
	require.NoError(t, err)
	p2, err := a.Alloc()
	require.NoError(t, err)
	require.NotSame(t, p1, p2)

	a.Free(p1)
	p3, err := a.Alloc()
	require.NoError(t, err)
	require.Same(t, p1, p3)

	require.Equal(t, 1, a.Stats().Chunks)
}
