// Package uvmm manages the user half of process address spaces. An address
// space is a sorted list of arenas; every arena maps part of a mapped
// resource and asks the resource to install a translation the first time one
// of its pages is touched.
package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kmem"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
)

// Footprint of the descriptors in kernel memory.
const (
	asDescSize       = 60
	arenaDescSize    = 52
	tableDescSize    = 12
	zeroPageDescSize = 16
	zeroResourceSize = 28
)

// Prot describes the access rights of an arena.
type Prot uint32

// Access rights.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtUser

	protMask = ProtRead | ProtWrite | ProtUser
)

// MapFlag controls how Map places and shares an arena.
type MapFlag uint32

// Mapping flags.
const (
	// MapShared makes the pages of the arena visible to every arena
	// mapping the same part of the resource.
	MapShared MapFlag = 1 << 0

	// mapFromResize marks the mapping created when Resize moves an arena.
	// The resource offset is taken as given even for anonymous resources.
	mapFromResize MapFlag = 1 << 8

	// RemapMayMove allows Resize to move an arena that cannot grow in
	// place.
	RemapMayMove MapFlag = 1 << 30

	// MapFixed places the arena at the requested address, unmapping
	// whatever is mapped there.
	MapFixed MapFlag = 1 << 31
)

var (
	errPermission       = &kernel.Error{Module: "uvmm", Message: "operation not permitted"}
	errNoMemory         = &kernel.Error{Module: "uvmm", Message: "out of memory"}
	errInvalidAddress   = &kernel.Error{Module: "uvmm", Message: "address outside of user space"}
	errNoArena          = &kernel.Error{Module: "uvmm", Message: "no arena covers the interval"}
	errNoBackend        = &kernel.Error{Module: "uvmm", Message: "resource cannot be mapped"}
	errFaultNotResolved = &kernel.Error{Module: "uvmm", Message: "page fault not resolved"}
	errAddressSpaceUsed = &kernel.Error{Module: "uvmm", Message: "process already owns an address space"}

	// invariant violations
	errUsageUnderflow = &kernel.Error{Module: "uvmm", Message: "mapped size accounting underflow"}

	log = kfmt.NewLogger("uvmm")
)

// FrameAllocator hands out the frames backing user pages.
type FrameAllocator interface {
	RefNew() (mm.Frame, *kernel.Error)
	RefAt(mm.Frame) (bool, *kernel.Error)
	Unref(mm.Frame) (bool, *kernel.Error)
}

// BlockAllocator provides small kernel blocks for resource descriptors.
type BlockAllocator interface {
	Alloc(size uint32) (uintptr, *kernel.Error)
	Free(vaddr uintptr) *kernel.Error
}

// Manager owns every address space and the descriptor caches they are built
// from.
type Manager struct {
	lock   *sync.IRQLock
	frames FrameAllocator
	drv    *vmm.Driver
	kmem   *kmem.Allocator
	blocks BlockAllocator

	cacheOfAS        *kmem.Cache
	cacheOfArenas    *kmem.Cache
	cacheOfTables    *kmem.Cache
	cacheOfZeroPages *kmem.Cache

	spaces  map[ProcessID]*AddressSpace
	current *AddressSpace
}

// Setup creates the descriptor caches and registers the manager as the
// handler of page faults in user space.
func Setup(lock *sync.IRQLock, frames FrameAllocator, drv *vmm.Driver, k *kmem.Allocator, blocks BlockAllocator) (*Manager, *kernel.Error) {
	m := &Manager{
		lock:   lock,
		frames: frames,
		drv:    drv,
		kmem:   k,
		blocks: blocks,
		spaces: make(map[ProcessID]*AddressSpace),
	}

	caches := []struct {
		cache   **kmem.Cache
		name    string
		objSize uint32
	}{
		{&m.cacheOfAS, "address space structures", asDescSize},
		{&m.cacheOfArenas, "arena structures", arenaDescSize},
		{&m.cacheOfTables, "page tables", tableDescSize},
		{&m.cacheOfZeroPages, "shared anonymous mappings", zeroPageDescSize},
	}

	for index, spec := range caches {
		c, err := k.CacheCreate(spec.name, spec.objSize, 1, 0, kmem.CacheZero)
		if err != nil {
			for _, created := range caches[:index] {
				_ = k.CacheDestroy(*created.cache)
			}
			return nil, err
		}
		*spec.cache = c
	}

	drv.SetFaultResolver(m.resolveFault)

	log.Printf("user space [0x%8x, 0x%8x], zero frame at 0x%8x\n",
		mm.UserSpaceBase, mm.UserSpaceTop, drv.ZeroFrame().Address())
	return m, nil
}

// Current returns the address space whose directory is active.
func (m *Manager) Current() *AddressSpace {
	return m.current
}

func (m *Manager) resolveFault(addr uintptr, write, user bool) bool {
	return m.LazyPageIn(addr, write, user) == nil
}

// userArea reports whether [addr, addr+size) lies in user space.
func userArea(addr, size uintptr) bool {
	return addr >= mm.UserSpaceBase && size <= mm.UserSpaceSize && addr <= mm.UserSpaceTop-size+1
}
