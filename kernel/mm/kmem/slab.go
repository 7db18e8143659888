package kmem

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

// CacheFlag controls the behaviour of an object cache.
type CacheFlag uint32

const (
	// CacheZero hands out zero-filled objects.
	CacheZero CacheFlag = 1 << iota

	// cacheOnSlab keeps the slab header inside the slab pages.
	cacheOnSlab CacheFlag = 1 << 31
)

// Cache hands out objects of one size. Its slabs are kept so that every slab
// with a free object precedes every full slab.
type Cache struct {
	// slot is the address of the descriptor object in the cache of caches.
	slot uintptr

	name         string
	objSize      uint32
	allocSize    uint32
	objsPerSlab  uint32
	pagesPerSlab uint32
	minFree      uint32
	flags        CacheFlag

	freeObjs  uint32
	slabCount uint32
	slabs     *Slab

	// growing is set while the cache adds a slab to honour minFree.
	growing bool

	prev, next *Cache
}

// Name returns the name of the cache.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the requested object size.
func (c *Cache) ObjectSize() uint32 { return c.objSize }

// AllocSize returns the space each object occupies in a slab.
func (c *Cache) AllocSize() uint32 { return c.allocSize }

// ObjectsPerSlab returns the number of objects in a slab.
func (c *Cache) ObjectsPerSlab() uint32 { return c.objsPerSlab }

// PagesPerSlab returns the number of pages backing a slab.
func (c *Cache) PagesPerSlab() uint32 { return c.pagesPerSlab }

// FreeObjects returns the number of free objects across all slabs.
func (c *Cache) FreeObjects() uint32 { return c.freeObjs }

// SlabCount returns the number of slabs owned by the cache.
func (c *Cache) SlabCount() uint32 { return c.slabCount }

// OnSlab reports whether slab headers live inside the slab pages.
func (c *Cache) OnSlab() bool { return c.flags&cacheOnSlab != 0 }

// Slabs calls fn for each slab, non-full slabs first.
func (c *Cache) Slabs(fn func(*Slab)) {
	for s, i := c.slabs, uint32(0); i < c.slabCount; s, i = s.next, i+1 {
		fn(s)
	}
}

// Slab is one range worth of objects.
type Slab struct {
	// slot is the address of the slab header: the end of the slab pages
	// for on-slab caches or an object of the slab header cache.
	slot uintptr

	// free is the address of the first free object; each free object
	// stores the address of the next one.
	free      uintptr
	freeCount uint32
	firstObj  uintptr

	rng   *Range
	cache *Cache

	prev, next *Slab
}

// Cache returns the cache owning the slab.
func (s *Slab) Cache() *Cache { return s.cache }

// Range returns the range backing the slab.
func (s *Slab) Range() *Range { return s.rng }

// FreeCount returns the number of free objects in the slab.
func (s *Slab) FreeCount() uint32 { return s.freeCount }

func (c *Cache) init(name string, objSize, pagesPerSlab, minFree uint32, flags CacheFlag) *kernel.Error {
	if objSize == 0 || pagesPerSlab == 0 || pagesPerSlab > mm.MaxPagesPerSlab {
		return errBadCacheParams
	}

	allocSize := objSize
	if allocSize < linkSize {
		allocSize = linkSize
	}
	allocSize = (allocSize + linkSize - 1) &^ (linkSize - 1)

	if uintptr(allocSize) > uintptr(pagesPerSlab)<<mm.PageShift {
		return errBadCacheParams
	}

	*c = Cache{
		slot:         c.slot,
		name:         name,
		objSize:      objSize,
		allocSize:    allocSize,
		pagesPerSlab: pagesPerSlab,
		minFree:      minFree,
		flags:        flags,
	}

	// Small objects always get their slab header inside the slab.
	if allocSize <= slabDescSize {
		c.flags |= cacheOnSlab
	}

	spaceLeft := pagesPerSlab << mm.PageShift
	if c.flags&cacheOnSlab != 0 {
		spaceLeft -= slabDescSize
	}
	c.objsPerSlab = spaceLeft / allocSize
	spaceLeft -= c.objsPerSlab * allocSize

	if c.objsPerSlab == 0 || c.objsPerSlab < minFree {
		return errBadCacheParams
	}

	if spaceLeft >= slabDescSize {
		c.flags |= cacheOnSlab
	}

	return nil
}

func (c *Cache) pushSlabHead(s *Slab) {
	if c.slabs == nil {
		s.prev, s.next = s, s
	} else {
		s.prev, s.next = c.slabs.prev, c.slabs
		c.slabs.prev.next = s
		c.slabs.prev = s
	}
	c.slabs = s
	c.slabCount++
}

func (c *Cache) removeSlab(s *Slab) {
	if c.slabCount == 1 {
		c.slabs = nil
	} else {
		s.prev.next = s.next
		s.next.prev = s.prev
		if c.slabs == s {
			c.slabs = s.next
		}
	}
	s.prev, s.next = nil, nil
	c.slabCount--
}

// addSlab carves the memory at base into objects and puts the slab at the
// head of the slab list.
func (c *Cache) addSlab(base uintptr, s *Slab) {
	s.cache = c
	s.firstObj = base
	s.freeCount = c.objsPerSlab
	c.freeObjs += s.freeCount

	if c.flags&CacheZero != 0 {
		cpu.Memset(base, 0, uintptr(c.objsPerSlab*c.allocSize))
	}

	s.free = 0
	for i := c.objsPerSlab; i > 0; i-- {
		obj := base + uintptr((i-1)*c.allocSize)
		cpu.Store32(obj, uint32(s.free))
		s.free = obj
	}

	c.pushSlabHead(s)
}

func (a *Allocator) pushCache(c *Cache) {
	if a.caches == nil {
		c.prev, c.next = c, c
		a.caches = c
		return
	}
	c.prev, c.next = a.caches.prev, a.caches
	a.caches.prev.next = c
	a.caches.prev = c
}

func (a *Allocator) removeCache(c *Cache) {
	if c.next == c {
		a.caches = nil
	} else {
		c.prev.next = c.next
		c.next.prev = c.prev
		if a.caches == c {
			a.caches = c.next
		}
	}
	c.prev, c.next = nil, nil
}

// cacheGrow adds a slab to c.
func (a *Allocator) cacheGrow(c *Cache) *kernel.Error {
	r, err := a.newRange(c.pagesPerSlab, RangeMap)
	if err != nil {
		return err
	}

	var slot uintptr
	if c.flags&cacheOnSlab != 0 {
		slot = r.top() - slabDescSize
	} else if slot, err = a.cacheAlloc(a.cacheOfSlabs); err != nil {
		a.delRange(r)
		return err
	}

	s := &Slab{slot: slot, rng: r}
	c.addSlab(r.base, s)
	r.slab = s
	return nil
}

func (a *Allocator) cacheAlloc(c *Cache) (uintptr, *kernel.Error) {
	// A non-full slab is always at the head.
	if c.slabs == nil || c.slabs.free == 0 {
		if err := a.cacheGrow(c); err != nil {
			return 0, err
		}
	}

	s := c.slabs
	obj := s.free
	s.free = uintptr(cpu.Load32(obj))
	s.freeCount--
	c.freeObjs--

	if c.flags&CacheZero != 0 {
		cpu.Store32(obj, 0)
		for off := uintptr(0); off < uintptr(c.allocSize); off += linkSize {
			if cpu.Load32(obj+off) != 0 {
				kfmt.Panic(errObjectNotZeroed)
			}
		}
	}

	// full slabs go to the tail
	if s.free == 0 {
		c.slabs = s.next
	}

	// Only the transition to minFree-1 grows the cache. The range cache
	// allocates from itself while growing and must not grow again.
	if c.minFree > 0 && c.freeObjs == c.minFree-1 && !c.growing {
		c.growing = true
		err := a.cacheGrow(c)
		c.growing = false

		if err != nil {
			_ = a.cacheFree(obj)
			return 0, err
		}
	}

	return obj, nil
}

// freeObject returns vaddr to its slab. emptySlab is set when the slab has
// no allocated object left and the cache can afford to release it.
func (a *Allocator) freeObject(vaddr uintptr) (s, emptySlab *Slab, err *kernel.Error) {
	r := a.resolveOwner(vaddr)
	if r == nil || r.slab == nil {
		return nil, nil, errNotSlabObject
	}

	s = r.slab
	c := s.cache
	if vaddr < s.firstObj {
		return nil, nil, errNotSlabObject
	}
	offset := vaddr - s.firstObj
	if offset%uintptr(c.allocSize) != 0 || offset/uintptr(c.allocSize) >= uintptr(c.objsPerSlab) {
		return nil, nil, errNotSlabObject
	}

	if s.freeCount >= c.objsPerSlab {
		kfmt.Panic(errSlabOverflow)
		return nil, nil, errSlabOverflow
	}

	// a full slab is about to have a free object
	if s.free == 0 {
		c.removeSlab(s)
		c.pushSlabHead(s)
	}

	if c.flags&CacheZero != 0 {
		cpu.Memset(vaddr, 0, uintptr(c.allocSize))
	}
	cpu.Store32(vaddr, uint32(s.free))
	s.free = vaddr
	s.freeCount++
	c.freeObjs++

	if s.freeCount == c.objsPerSlab && c.freeObjs-s.freeCount >= c.minFree {
		emptySlab = s
	}
	return s, emptySlab, nil
}

func (a *Allocator) cacheFree(vaddr uintptr) *kernel.Error {
	_, emptySlab, err := a.freeObject(vaddr)
	if err != nil {
		return err
	}

	if emptySlab != nil {
		a.cacheReleaseSlab(emptySlab, true)
	}
	return nil
}

// cacheReleaseSlab detaches an unused slab from its cache. The backing range
// is deleted when delRangeNow is set; otherwise it is returned to the caller,
// still on the used list.
func (a *Allocator) cacheReleaseSlab(s *Slab, delRangeNow bool) *Range {
	c := s.cache
	if s.freeCount != c.objsPerSlab {
		kfmt.Panic(errSlabNotEmpty)
		return nil
	}

	c.removeSlab(s)
	c.freeObjs -= s.freeCount

	if c.flags&cacheOnSlab == 0 {
		_ = a.cacheFree(s.slot)
	}

	r := s.rng
	r.slab = nil
	s.rng, s.cache = nil, nil

	if delRangeNow {
		a.delRange(r)
		return nil
	}
	return r
}

func (a *Allocator) cacheCreate(name string, objSize, pagesPerSlab, minFree uint32, flags CacheFlag) (*Cache, *kernel.Error) {
	slot, err := a.cacheAlloc(a.cacheOfCaches)
	if err != nil {
		return nil, err
	}

	c := &Cache{slot: slot}
	if err = c.init(name, objSize, pagesPerSlab, minFree, flags); err != nil {
		_ = a.cacheFree(slot)
		return nil, err
	}
	a.pushCache(c)

	if minFree > 0 {
		if err = a.cacheGrow(c); err != nil {
			_ = a.cacheDestroy(c)
			return nil, err
		}
	}

	return c, nil
}

func (a *Allocator) cacheDestroy(c *Cache) *kernel.Error {
	busy := false
	c.Slabs(func(s *Slab) {
		busy = busy || s.freeCount != c.objsPerSlab
	})
	if busy {
		return errCacheBusy
	}

	for c.slabs != nil {
		a.cacheReleaseSlab(c.slabs, true)
	}

	a.removeCache(c)
	return a.cacheFree(c.slot)
}
