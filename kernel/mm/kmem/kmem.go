// Package kmem manages the kernel half of the virtual address space. Ranges
// of kernel pages are handed out from a sorted, coalescing set of free and
// used ranges, and object caches carve those ranges into slabs of equally
// sized objects.
//
// Every descriptor the package needs (ranges, slab headers and caches)
// occupies an object of one of its own caches, so the allocator builds the
// first slabs of those caches by hand during Setup.
package kmem

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
)

// Footprint of the descriptors in kernel memory.
const (
	rangeDescSize = 20
	slabDescSize  = 28
	cacheDescSize = 48

	// free objects are chained through their first word
	linkSize = 4
)

var (
	errOutOfVirtualSpace = &kernel.Error{Module: "kmem", Message: "no free kernel range large enough"}
	errBadPageCount      = &kernel.Error{Module: "kmem", Message: "page count must be positive"}
	errInvalidRange      = &kernel.Error{Module: "kmem", Message: "address does not start a used kernel range"}
	errRangeOwnedBySlab  = &kernel.Error{Module: "kmem", Message: "range is owned by a slab"}
	errBadCacheParams    = &kernel.Error{Module: "kmem", Message: "invalid cache parameters"}
	errCacheBusy         = &kernel.Error{Module: "kmem", Message: "cache still has allocated objects"}
	errNotSlabObject     = &kernel.Error{Module: "kmem", Message: "address is not a slab object"}
	errBadLayout         = &kernel.Error{Module: "kmem", Message: "invalid kernel memory layout"}

	// invariant violations
	errObjectNotZeroed   = &kernel.Error{Module: "kmem", Message: "object of a zeroing cache is not zero"}
	errSlabOverflow      = &kernel.Error{Module: "kmem", Message: "slab has more free objects than it can hold"}
	errSlabNotEmpty      = &kernel.Error{Module: "kmem", Message: "releasing a slab with allocated objects"}
	errUnownedKernelPage = &kernel.Error{Module: "kmem", Message: "mapped kernel page without an owning range"}

	log = kfmt.NewLogger("kmem")
)

// FrameAllocator provides physical frames and the frame-to-range
// back-reference.
type FrameAllocator interface {
	RefNew() (mm.Frame, *kernel.Error)
	Unref(mm.Frame) (bool, *kernel.Error)
	KernelRange(mm.Frame) mm.KernelRange
	SetKernelRange(mm.Frame, mm.KernelRange) *kernel.Error
}

// PageMapper edits the kernel page tables.
type PageMapper interface {
	Map(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error
	UnmapInterval(virtAddr, size uintptr) (uintptr, *kernel.Error)
	Lookup(virtAddr uintptr) (mm.Frame, vmm.PageTableEntryFlag, *kernel.Error)
}

// Allocator owns the kernel range lists and every object cache.
type Allocator struct {
	lock   *sync.IRQLock
	frames FrameAllocator
	pages  PageMapper

	free, used rangeList

	caches        *Cache
	cacheOfCaches *Cache
	cacheOfSlabs  *Cache
	cacheOfRanges *Cache
}

// NewRange reserves pages consecutive kernel pages. With RangeMap every page
// is backed by a fresh frame; the pages of an unmapped range fault until
// something is mapped there.
func (a *Allocator) NewRange(pages uint32, flags RangeFlag) (*Range, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.newRange(pages, flags)
}

// DelRange returns r to the free set, unmapping its pages. Deleting a range
// that backs a slab is a fatal error.
func (a *Allocator) DelRange(r *Range) {
	a.lock.Acquire()
	defer a.lock.Release()
	a.delRange(r)
}

// Alloc reserves a range of pages and returns its base address.
func (a *Allocator) Alloc(pages uint32, flags RangeFlag) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	r, err := a.newRange(pages, flags)
	if err != nil {
		return 0, err
	}
	return r.base, nil
}

// Free releases the range starting at vaddr. Ranges that back a slab are
// released through their cache instead.
func (a *Allocator) Free(vaddr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	r := a.resolveOwner(vaddr)
	switch {
	case r == nil || r.base != vaddr:
		return errInvalidRange
	case r.slab != nil:
		return errRangeOwnedBySlab
	}

	a.delRange(r)
	return nil
}

// ResolveOwner returns the used range containing vaddr or nil.
func (a *Allocator) ResolveOwner(vaddr uintptr) *Range {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.resolveOwner(vaddr)
}

// IsValidVaddr reports whether vaddr belongs to a used kernel range.
func (a *Allocator) IsValidVaddr(vaddr uintptr) bool {
	return a.ResolveOwner(vaddr) != nil
}

// ResolveSlab returns the slab owning the range that contains vaddr or nil.
func (a *Allocator) ResolveSlab(vaddr uintptr) *Slab {
	if r := a.ResolveOwner(vaddr); r != nil {
		return r.slab
	}
	return nil
}

// CacheCreate creates an object cache. Objects are at least one word long
// and word aligned. pagesPerSlab must be large enough for one object and
// for minFree objects; caches with minFree > 0 get their first slab right
// away.
func (a *Allocator) CacheCreate(name string, objSize, pagesPerSlab, minFree uint32, flags CacheFlag) (*Cache, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.cacheCreate(name, objSize, pagesPerSlab, minFree, flags&^cacheOnSlab)
}

// CacheAlloc returns a free object of c, growing the cache if needed.
func (a *Allocator) CacheAlloc(c *Cache) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.cacheAlloc(c)
}

// CacheFree returns the object at vaddr to its cache. It fails with an
// error if vaddr is not the start of an object.
func (a *Allocator) CacheFree(vaddr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.cacheFree(vaddr)
}

// CacheDestroy releases every slab of c and c itself. It refuses to destroy
// a cache with allocated objects.
func (a *Allocator) CacheDestroy(c *Cache) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.cacheDestroy(c)
}

// Caches calls fn for every cache in creation order.
func (a *Allocator) Caches(fn func(*Cache)) {
	a.lock.Acquire()
	defer a.lock.Release()

	if c := a.caches; c != nil {
		for {
			fn(c)
			if c = c.next; c == a.caches {
				break
			}
		}
	}
}

// State returns the number of free and used kernel pages.
func (a *Allocator) State() (freePages, usedPages uint32) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.free.pageCount(), a.used.pageCount()
}

// PrintStats logs the range usage and one line per cache.
func (a *Allocator) PrintStats() {
	a.lock.Acquire()
	defer a.lock.Release()

	freePages, usedPages := a.State()
	log.Printf("ranges: free %d (%d pages), used %d (%d pages)\n",
		a.free.count, freePages, a.used.count, usedPages)
	a.Caches(func(c *Cache) {
		log.Printf("cache %s: obj %d/%d, %d slabs, %d free\n",
			c.name, c.objSize, c.allocSize, c.slabCount, c.freeObjs)
	})
}
