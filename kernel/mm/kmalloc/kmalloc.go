// Package kmalloc is the general purpose kernel allocator. Requests are
// served by the smallest size class that fits; larger requests get whole
// pages.
package kmalloc

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kmem"
)

var (
	errInvalidSize = &kernel.Error{Module: "kmalloc", Message: "allocation size must be positive"}

	log = kfmt.NewLogger("kmalloc")
)

// sizeClasses lists the object size and slab size of each class.
var sizeClasses = []struct {
	objSize      uint32
	pagesPerSlab uint32
}{
	{8, 1},
	{16, 1},
	{32, 1},
	{64, 1},
	{128, 1},
	{256, 2},
	{1024, 2},
	{2048, 3},
	{4096, 4},
	{8192, 8},
	{16384, 12},
}

// Allocator dispatches allocations to the size class caches.
type Allocator struct {
	kmem   *kmem.Allocator
	caches []*kmem.Cache
}

// Setup creates one cache per size class.
func Setup(k *kmem.Allocator) (*Allocator, *kernel.Error) {
	a := &Allocator{kmem: k}
	for _, class := range sizeClasses {
		c, err := k.CacheCreate(className(class.objSize), class.objSize, class.pagesPerSlab, 0, 0)
		if err != nil {
			return nil, err
		}
		a.caches = append(a.caches, c)
	}

	log.Printf("%d size classes, largest %d bytes\n", len(a.caches), a.MaxClassSize())
	return a, nil
}

// SetupPageOnly returns an allocator without size classes. Every request is
// served with whole pages, which makes out-of-bounds writes fault as early
// as possible.
func SetupPageOnly(k *kmem.Allocator) *Allocator {
	log.Printf("size classes disabled\n")
	return &Allocator{kmem: k}
}

func className(size uint32) string {
	var buf [32]byte
	digits := len(buf)
	for ; size > 0 || digits == len(buf); size /= 10 {
		digits--
		buf[digits] = byte('0' + size%10)
	}
	return "kmalloc " + string(buf[digits:]) + "B objects"
}

// MaxClassSize returns the largest request served by a size class.
func (a *Allocator) MaxClassSize() uint32 {
	if len(a.caches) == 0 {
		return 0
	}
	return a.caches[len(a.caches)-1].ObjectSize()
}

// Alloc returns the address of a block of at least size bytes.
func (a *Allocator) Alloc(size uint32) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	for _, c := range a.caches {
		if c.ObjectSize() >= size {
			return a.kmem.CacheAlloc(c)
		}
	}

	pages := mm.Size(size).Pages()
	return a.kmem.Alloc(pages, kmem.RangeMap)
}

// Free releases a block returned by Alloc. Blocks do not record their size:
// an address owned by one of the size class caches is returned to it and
// any other address must start a range.
func (a *Allocator) Free(vaddr uintptr) *kernel.Error {
	if s := a.kmem.ResolveSlab(vaddr); s != nil && a.ownsCache(s.Cache()) {
		return a.kmem.CacheFree(vaddr)
	}
	return a.kmem.Free(vaddr)
}

func (a *Allocator) ownsCache(c *kmem.Cache) bool {
	for _, own := range a.caches {
		if own == c {
			return true
		}
	}
	return false
}
