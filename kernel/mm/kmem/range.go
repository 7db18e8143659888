package kmem

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

// RangeFlag controls how a kernel range is allocated.
type RangeFlag uint32

const (
	// RangeMap backs every page of the new range with a frame.
	RangeMap RangeFlag = 1 << iota
)

// Range is a run of kernel pages that is either free or used.
type Range struct {
	// slot is the address of the descriptor object in the range cache.
	slot uintptr

	base  uintptr
	pages uint32

	// slab is set while the range backs a slab.
	slab *Slab

	prev, next *Range
}

// BaseAddress returns the first address of the range.
func (r *Range) BaseAddress() uintptr { return r.base }

// PageCount returns the number of pages in the range.
func (r *Range) PageCount() uint32 { return r.pages }

// Slab returns the slab carved out of this range or nil.
func (r *Range) Slab() *Slab { return r.slab }

func (r *Range) top() uintptr { return r.base + uintptr(r.pages)<<mm.PageShift }

func (r *Range) contains(vaddr uintptr) bool { return vaddr >= r.base && vaddr < r.top() }

// rangeList is a circular list of ranges sorted by base address.
type rangeList struct {
	head  *Range
	count uint32
}

// closestPreceding returns the last range whose base is not above vaddr.
func (l *rangeList) closestPreceding(vaddr uintptr) *Range {
	var found *Range
	for r, i := l.head, uint32(0); i < l.count; r, i = r.next, i+1 {
		if vaddr < r.base {
			break
		}
		found = r
	}
	return found
}

func (l *rangeList) insert(r *Range) {
	if l.head == nil {
		r.prev, r.next = r, r
		l.head = r
		l.count = 1
		return
	}

	prev := l.closestPreceding(r.base)
	if prev == nil {
		// new head; it goes after the current tail
		prev = l.head.prev
		l.head = r
	}

	r.prev, r.next = prev, prev.next
	prev.next.prev = r
	prev.next = r
	l.count++
}

// pushTail appends r without looking at its address.
func (l *rangeList) pushTail(r *Range) {
	if l.head == nil {
		r.prev, r.next = r, r
		l.head = r
	} else {
		tail := l.head.prev
		r.prev, r.next = tail, l.head
		tail.next = r
		l.head.prev = r
	}
	l.count++
}

func (l *rangeList) remove(r *Range) {
	if l.count == 1 {
		l.head = nil
	} else {
		r.prev.next = r.next
		r.next.prev = r.prev
		if l.head == r {
			l.head = r.next
		}
	}
	r.prev, r.next = nil, nil
	l.count--
}

func (l *rangeList) popHead() *Range {
	r := l.head
	if r != nil {
		l.remove(r)
	}
	return r
}

func (l *rangeList) pageCount() uint32 {
	var pages uint32
	for r, i := l.head, uint32(0); i < l.count; r, i = r.next, i+1 {
		pages += r.pages
	}
	return pages
}

// walk calls fn for every range in address order.
func (l *rangeList) walk(fn func(*Range)) {
	for r, i := l.head, uint32(0); i < l.count; r, i = r.next, i+1 {
		fn(r)
	}
}

func (a *Allocator) newRange(pages uint32, flags RangeFlag) (*Range, *kernel.Error) {
	if pages == 0 {
		return nil, errBadPageCount
	}

	// The descriptor for a split is allocated before looking at the free
	// list: growing the range cache changes the free list.
	slot, err := a.cacheAlloc(a.cacheOfRanges)
	if err != nil {
		return nil, err
	}

	var freeRange *Range
	for r, i := a.free.head, uint32(0); i < a.free.count; r, i = r.next, i+1 {
		if r.pages >= pages {
			freeRange = r
			break
		}
	}

	if freeRange == nil {
		_ = a.cacheFree(slot)
		return nil, errOutOfVirtualSpace
	}

	var newRange *Range
	if freeRange.pages == pages {
		a.free.remove(freeRange)
		a.used.insert(freeRange)
		newRange = freeRange
		_ = a.cacheFree(slot)
	} else {
		// freeRange is split in {newRange | freeRange}
		newRange = &Range{slot: slot, base: freeRange.base, pages: pages}
		freeRange.base += uintptr(pages) << mm.PageShift
		freeRange.pages -= pages
		a.used.insert(newRange)
	}
	newRange.slab = nil

	if flags&RangeMap == 0 {
		// drop whatever the identity mapping left there
		_, _ = a.pages.UnmapInterval(newRange.base, uintptr(pages)<<mm.PageShift)
		return newRange, nil
	}

	for vaddr := newRange.base; vaddr < newRange.top(); vaddr += mm.PageSize {
		if err = a.mapPage(vaddr, newRange); err != nil {
			a.delRange(newRange)
			return nil, err
		}
	}

	return newRange, nil
}

// mapPage backs vaddr with a new frame owned by r. The mapping holds the only
// reference to the frame.
func (a *Allocator) mapPage(vaddr uintptr, r *Range) *kernel.Error {
	frame, err := a.frames.RefNew()
	if err != nil {
		return err
	}

	err = a.pages.Map(mm.PageFromAddress(vaddr), frame, vmm.FlagRW)
	_, _ = a.frames.Unref(frame)
	if err != nil {
		return err
	}

	return a.frames.SetKernelRange(frame, r)
}

func (a *Allocator) delRange(r *Range) {
	if r.slab != nil {
		kfmt.Panic(errRangeOwnedBySlab)
		return
	}

	a.used.remove(r)

	// Releasing the descriptor of a merged range can empty a slab of the
	// range cache. The range backing that slab is queued here instead of
	// being deleted recursively.
	var pending rangeList
	for r != nil {
		a.free.insert(r)
		_, _ = a.pages.UnmapInterval(r.base, uintptr(r.pages)<<mm.PageShift)

		if prev := r.prev; prev != r && prev.top() == r.base {
			prev.pages += r.pages
			a.free.remove(r)
			a.releaseRangeDesc(r, &pending)
			r = prev
		}

		if next := r.next; next != r && r.top() == next.base {
			r.pages += next.pages
			a.free.remove(next)
			a.releaseRangeDesc(next, &pending)
		}

		r = pending.popHead()
	}
}

// releaseRangeDesc frees the descriptor object of a merged range. If its slab
// becomes empty, the range backing the slab moves from the used list to
// pending.
func (a *Allocator) releaseRangeDesc(r *Range, pending *rangeList) {
	slab, emptySlab, err := a.freeObject(r.slot)
	if err != nil || slab == nil {
		return
	}

	if emptySlab != nil {
		if emptyRange := a.cacheReleaseSlab(emptySlab, false); emptyRange != nil {
			a.used.remove(emptyRange)
			pending.pushTail(emptyRange)
		}
	}
}

func (a *Allocator) resolveOwner(vaddr uintptr) *Range {
	if vaddr < mm.KernelSpaceBase || vaddr >= mm.KernelSpaceTop {
		return nil
	}

	// A page backed by an owned frame knows its range.
	if frame, flags, err := a.pages.Lookup(vaddr); err == nil && flags&vmm.FlagUnowned == 0 {
		owner, _ := a.frames.KernelRange(frame).(*Range)
		if owner == nil {
			kfmt.Panic(errUnownedKernelPage)
			return nil
		}
		if owner.contains(vaddr) {
			return owner
		}
	}

	if r := a.used.closestPreceding(vaddr); r != nil && r.contains(vaddr) {
		return r
	}
	return nil
}
