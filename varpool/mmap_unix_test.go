//go:build unix

package varpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobyte/allocore/bytesource"
)

// S8 (mmap source parity): split and coalesce behave identically when
// chunks come from an OS mmap region instead of the Go heap.
func TestMmapSourceSplitAndCoalesce(t *testing.T) {
	opts := DefaultOptions()
	opts.Source = bytesource.NewMmap()
	opts.DefaultChunkSize = 4096
	p := New(opts)
	defer p.Destroy()

	a, err := p.Alloc(100)
	require.NoError(t, err)
	b, err := p.Alloc(100)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	p.Free(a)
	p.Free(b)

	var free, allocated int
	p.Walk(func(blk Block) bool {
		if blk.Free {
			free++
		} else {
			allocated++
		}
		return true
	})
	require.Equal(t, 0, allocated)
	require.Equal(t, 1, free)
}
