// Package allocstats holds the read-only diagnostic structures exposed by
// fixalloc and varpool. None of this is consulted on the hot allocate/free
// path; it exists purely for tests and instrumentation, in the spirit of
// the teacher pack's own habit of carrying stat structs alongside allocator
// internals (fastalloc.go's allocatorStats / EfficiencyStats).
package allocstats

// Fixed reports diagnostic counters for a fixalloc.Allocator[T].
type Fixed struct {
	Chunks        int // number of chunks acquired from the byte source
	LiveSlots     int // slots currently allocated
	FreeSlots     int // slots currently on the free list
	AllocCalls    int64
	FreeCalls     int64
	GrowCalls     int64
	InvalidFrees  int64 // Free() calls rejected for a provenance mismatch
}

// Pool reports diagnostic counters for a varpool.Pool.
type Pool struct {
	Chunks           int   // number of chunks acquired from the byte source
	LiveBytes        int64 // bytes currently allocated (payload, excludes headers)
	FreeBytes        int64 // bytes currently free (payload, excludes headers/footers)
	AllocCalls       int64
	FreeCalls        int64
	ReallocCalls     int64
	GrowCalls        int64
	SplitCount       int64
	CoalesceForward  int64
	CoalesceBackward int64
	InvalidFrees     int64 // Free()/Realloc() calls rejected for a provenance mismatch
}
