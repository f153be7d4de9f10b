package varpool

import (
	"unsafe"

	"github.com/cobyte/allocore/internal/memutil"
)

// Layout of one block, header to footer:
//
//	+0            header word: size<<3 | isLast<<2 | isPrevFree<<1 | isFree
//	+wordSize     mask word (allocated blocks only; zeroed once free)
//	+headerSize   payload begins here
//	  ... allocated blocks: caller data, all the way to the block's end.
//	  ... free blocks: freeNext (wordSize), freePrev (wordSize), then filler,
//	      then a footer (last wordSize bytes of the block) holding this
//	      block's own header address.
//
// size counts the whole block: header + payload + footer (footer only
// present while free, but the size field never shrinks when a block is
// allocated — only the footer write is skipped).
const (
	wordSize     = unsafe.Sizeof(uintptr(0))
	headerSize   = 2 * wordSize // header word + mask word
	footerSize   = wordSize
	granularity  = 2 * wordSize
	minBlockSize = ((headerSize + 2*wordSize + footerSize) + granularity - 1) &^ (granularity - 1)

	flagFree     = uintptr(1) << 0
	flagPrevFree = uintptr(1) << 1
	flagLast     = uintptr(1) << 2
)

// block is a thin, address-only view over a boundary-tagged region. It
// carries no state of its own; every method reads or writes through hp.
type block struct {
	hp unsafe.Pointer // address of the header word
}

func packHeaderWord(size uintptr, isFree, isPrevFree, isLast bool) uintptr {
	w := size << 3
	if isFree {
		w |= flagFree
	}
	if isPrevFree {
		w |= flagPrevFree
	}
	if isLast {
		w |= flagLast
	}
	return w
}

func (b block) word() uintptr { return memutil.LoadUintptr(b.hp) }

func (b block) size() uintptr       { return b.word() >> 3 }
func (b block) isFree() bool        { return b.word()&flagFree != 0 }
func (b block) isPrevFree() bool    { return b.word()&flagPrevFree != 0 }
func (b block) isLast() bool        { return b.word()&flagLast != 0 }

func (b block) setHeader(size uintptr, isFree, isPrevFree, isLast bool) {
	memutil.StoreUintptr(b.hp, packHeaderWord(size, isFree, isPrevFree, isLast))
}

func (b block) setPrevFree(v bool) {
	w := b.word()
	if v {
		w |= flagPrevFree
	} else {
		w &^= flagPrevFree
	}
	memutil.StoreUintptr(b.hp, w)
}

func (b block) maskAddr() unsafe.Pointer { return memutil.Add(b.hp, wordSize) }
func (b block) mask() uintptr            { return memutil.LoadUintptr(b.maskAddr()) }
func (b block) setMask(p unsafe.Pointer) { memutil.StoreUintptr(b.maskAddr(), uintptr(p)) }

func (b block) payload() unsafe.Pointer { return memutil.Add(b.hp, headerSize) }

// next returns the block physically following b. Only valid when !b.isLast().
func (b block) next() block { return block{memutil.Add(b.hp, b.size())} }

func (b block) footerAddr() unsafe.Pointer {
	return memutil.Add(b.hp, b.size()-footerSize)
}

// writeFooter stamps this block's own header address into its footer slot.
// Only meaningful while the block is free.
func (b block) writeFooter() {
	memutil.StoreUintptr(b.footerAddr(), uintptr(b.hp))
}

// prevFreeHeader reads the footer of the block immediately preceding b,
// which — precisely when b.isPrevFree() — holds that block's own header
// address. Only valid when b.isPrevFree().
func (b block) prevFreeHeader() block {
	footer := memutil.AddSigned(b.hp, -int(footerSize))
	return block{unsafe.Pointer(memutil.LoadUintptr(footer))}
}

// Explicit doubly-linked free list: prev/next live in the first two payload
// words of a free block, exactly where a caller's data would otherwise go.

func (b block) freeNext() unsafe.Pointer {
	return unsafe.Pointer(memutil.LoadUintptr(b.payload()))
}

func (b block) setFreeNext(p unsafe.Pointer) {
	memutil.StoreUintptr(b.payload(), uintptr(p))
}

func (b block) freePrev() unsafe.Pointer {
	return unsafe.Pointer(memutil.LoadUintptr(memutil.Add(b.payload(), wordSize)))
}

func (b block) setFreePrev(p unsafe.Pointer) {
	memutil.StoreUintptr(memutil.Add(b.payload(), wordSize), uintptr(p))
}

func freeListInsert(head *unsafe.Pointer, b block) {
	b.setFreePrev(nil)
	b.setFreeNext(*head)
	if *head != nil {
		block{*head}.setFreePrev(b.hp)
	}
	*head = b.hp
}

func freeListRemove(head *unsafe.Pointer, b block) {
	prev, next := b.freePrev(), b.freeNext()
	if prev != nil {
		block{prev}.setFreeNext(next)
	} else {
		*head = next
	}
	if next != nil {
		block{next}.setFreePrev(prev)
	}
}

func roundUp(n, granule uintptr) uintptr {
	return (n + granule - 1) &^ (granule - 1)
}

func ceilPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
