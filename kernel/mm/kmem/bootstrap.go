package kmem

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
)

const (
	pagesInSlabOfCaches = 1
	pagesInSlabOfRanges = 1

	// the range cache keeps two descriptors around so that it can always
	// describe the range of its next slab
	minFreeRanges = 2
)

// Layout describes the kernel image in the kernel half of the address
// space. The bootstrap stack lies inside the kernel core.
type Layout struct {
	CoreBase, CoreTop     uintptr
	StackBottom, StackTop uintptr
}

// Setup builds the allocator. The first slab of the cache of caches and the
// first slab of the range cache are placed by hand right after the kernel
// core; only then can ranges be described, so the zones of the kernel half
// are created last:
//
//	[KernelSpaceBase, BIOSHoleStart)   free
//	[BIOSHoleStart, BIOSHoleEnd)       used: BIOS and video memory
//	[BIOSHoleEnd, CoreBase)            free
//	[CoreBase, StackBottom)            used: kernel image
//	[StackBottom, StackTop)            used: bootstrap stack
//	[StackTop, CoreTop)                used: kernel image
//	first slab of caches               used
//	first slab of ranges               used
//	[..., TempMappingAddr)             free
//	[TempMappingAddr, KernelSpaceTop)  used: temporary mapping page
func Setup(lock *sync.IRQLock, frames FrameAllocator, pages PageMapper, layout Layout) (*Allocator, *kernel.Error) {
	cachesBase := mm.AlignUp(layout.CoreTop)
	rangesBase := cachesBase + pagesInSlabOfCaches*mm.PageSize
	rangesTop := rangesBase + pagesInSlabOfRanges*mm.PageSize

	if !mm.PageAligned(layout.CoreBase) || !mm.PageAligned(layout.StackBottom) || !mm.PageAligned(layout.StackTop) ||
		layout.CoreBase < mm.BIOSHoleEnd || layout.StackBottom < layout.CoreBase ||
		layout.StackTop < layout.StackBottom || layout.StackTop > cachesBase ||
		rangesTop > mm.TempMappingAddr {
		return nil, errBadLayout
	}

	lock.Acquire()
	defer lock.Release()

	a := &Allocator{lock: lock, frames: frames, pages: pages}

	cachesFrame, err := a.mapBootstrapSlab(cachesBase)
	if err != nil {
		return nil, err
	}
	cachesSlab := a.createCacheOfCaches(cachesBase)

	if a.cacheOfSlabs, err = a.cacheCreate("off-slab slab structures", slabDescSize, 1, 0, 0); err != nil {
		return nil, err
	}

	rangesFrame, err := a.mapBootstrapSlab(rangesBase)
	if err != nil {
		return nil, err
	}
	rangesSlab, err := a.createCacheOfRanges(rangesBase)
	if err != nil {
		return nil, err
	}

	zones := []struct {
		free      bool
		base, top uintptr
		slab      *Slab
	}{
		{true, mm.KernelSpaceBase, mm.BIOSHoleStart, nil},
		{false, mm.BIOSHoleStart, mm.BIOSHoleEnd, nil},
		{true, mm.BIOSHoleEnd, layout.CoreBase, nil},
		{false, layout.CoreBase, layout.StackBottom, nil},
		{false, layout.StackBottom, layout.StackTop, nil},
		{false, layout.StackTop, cachesBase, nil},
		{false, cachesBase, rangesBase, cachesSlab},
		{false, rangesBase, rangesTop, rangesSlab},
		{true, rangesTop, mm.TempMappingAddr, nil},
		{false, mm.TempMappingAddr, mm.KernelSpaceTop, nil},
	}

	for _, zone := range zones {
		if zone.top-zone.base < mm.PageSize {
			continue
		}

		slot, err := a.cacheAlloc(a.cacheOfRanges)
		if err != nil {
			return nil, err
		}

		r := &Range{slot: slot, base: zone.base, pages: uint32((zone.top - zone.base) >> mm.PageShift), slab: zone.slab}
		if zone.free {
			a.free.pushTail(r)
			continue
		}

		a.used.pushTail(r)
		if zone.slab != nil {
			zone.slab.rng = r
		}
	}

	// the pages of the first slabs can now name their owner
	_ = frames.SetKernelRange(cachesFrame, cachesSlab.rng)
	_ = frames.SetKernelRange(rangesFrame, rangesSlab.rng)

	log.Printf("kernel ranges: %d free, %d used; first slabs at 0x%8x and 0x%8x\n",
		a.free.count, a.used.count, cachesBase, rangesBase)
	return a, nil
}

// mapBootstrapSlab backs the page at vaddr with a cleared frame.
func (a *Allocator) mapBootstrapSlab(vaddr uintptr) (mm.Frame, *kernel.Error) {
	frame, err := a.frames.RefNew()
	if err != nil {
		return mm.InvalidFrame, err
	}

	err = a.pages.Map(mm.PageFromAddress(vaddr), frame, vmm.FlagRW)
	_, _ = a.frames.Unref(frame)
	if err != nil {
		return mm.InvalidFrame, err
	}

	cpu.Memset(vaddr, 0, mm.PageSize)
	return frame, nil
}

// createCacheOfCaches builds the cache of caches around the page at base.
// The descriptor of the cache lives in its own first slab, so it is first
// set up in a temporary descriptor and copied into the object allocated
// from that slab.
func (a *Allocator) createCacheOfCaches(base uintptr) *Slab {
	var bootCache Cache
	if err := bootCache.init("caches", cacheDescSize, pagesInSlabOfCaches, 0, cacheOnSlab); err != nil {
		kfmt.Panic(err)
	}

	s := &Slab{slot: base + pagesInSlabOfCaches*mm.PageSize - slabDescSize}
	bootCache.addSlab(base, s)

	slot, _ := a.cacheAlloc(&bootCache)
	c := new(Cache)
	*c = bootCache
	c.slot = slot
	s.cache = c

	a.pushCache(c)
	a.cacheOfCaches = c
	return s
}

// createCacheOfRanges builds the range cache around the page at base.
func (a *Allocator) createCacheOfRanges(base uintptr) (*Slab, *kernel.Error) {
	slot, err := a.cacheAlloc(a.cacheOfCaches)
	if err != nil {
		return nil, err
	}

	c := &Cache{slot: slot}
	if err = c.init("ranges", rangeDescSize, pagesInSlabOfRanges, minFreeRanges, cacheOnSlab); err != nil {
		return nil, err
	}
	a.pushCache(c)

	s := &Slab{slot: base + pagesInSlabOfRanges*mm.PageSize - slabDescSize}
	c.addSlab(base, s)

	a.cacheOfRanges = c
	return s, nil
}
