// Package varpool implements a variable-size byte-region allocator: a
// boundary-tag pool in the tradition of the classic Knuth/Wilson
// "binary buddy's plainer cousin" free-list allocator — explicit,
// doubly-linked, unordered free list; first-fit search; split on
// allocate; forward-and-backward coalesce on free; coalesce-in-place
// with a copy fallback on reallocate.
//
// It is the direct descendant of this codebase's original C++
// MemoryPool: same boundary-tag idea (a flags+size word at the head of
// every block, a footer at the tail of every free block pointing back
// to its own header), carried over to Go's unsafe.Pointer/uintptr
// idiom the way memory_and_heap/mheap.go carries over the runtime's own
// page allocator — chunk acquisition from a bytesource.Source, Go-side
// chunkMeta bookkeeping for teardown, everything else threaded directly
// through the raw bytes.
//
// Not safe for concurrent use; callers serialize Alloc/Free/Realloc
// exactly as fixalloc.Allocator requires.
package varpool
