package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

// zeroPage records the frame backing one page of a shared anonymous
// mapping.
type zeroPage struct {
	slot   uintptr
	offset uint64
	frame  mm.Frame
	next   *zeroPage
}

// zeroResource is anonymous memory. Pages read before they are written map
// the zero frame read-only; the first write replaces it with a private
// frame. Frames written through shared arenas are recorded so that every
// arena mapping the same offset uses them.
type zeroResource struct {
	mgr      *Manager
	block    uintptr
	refCount int
	pages    *zeroPage
	res      MappedResource
}

// ZeroMap maps size bytes of fresh anonymous memory into as.
func (m *Manager) ZeroMap(as *AddressSpace, hint, size uintptr, prot Prot, flags MapFlag) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()
	return as.zeroMapLocked(hint, size, prot, flags)
}

func (as *AddressSpace) zeroMapLocked(hint, size uintptr, prot Prot, flags MapFlag) (uintptr, *kernel.Error) {
	z, err := as.mgr.newZeroResource()
	if err != nil {
		return 0, err
	}

	addr, err := as.mapLocked(hint, size, prot, flags, &z.res, 0)
	if err != nil {
		z.release()
		return 0, err
	}
	return addr, nil
}

func (m *Manager) newZeroResource() (*zeroResource, *kernel.Error) {
	block, err := m.blocks.Alloc(zeroResourceSize)
	if err != nil {
		return nil, errNoMemory
	}

	z := &zeroResource{mgr: m, block: block}
	z.res = MappedResource{
		allowed: ProtRead | ProtWrite | ProtUser,
		flags:   ResourceAnonymous,
		backend: z,
	}
	return z, nil
}

// Mmap implements Backend.
func (z *zeroResource) Mmap(*Arena) (ArenaOps, *kernel.Error) {
	return z, nil
}

// Ref implements ArenaOps.
func (z *zeroResource) Ref(*Arena) {
	z.refCount++
}

// Unref implements ArenaOps. The recorded frames are released with the
// last arena.
func (z *zeroResource) Unref(*Arena) {
	if z.refCount--; z.refCount == 0 {
		z.release()
	}
}

// Unmap implements ArenaOps. Recorded frames stay in use until the last
// arena goes away.
func (z *zeroResource) Unmap(*Arena, uintptr, uintptr) {}

// NoPage implements ArenaOps.
func (z *zeroResource) NoPage(a *Arena, addr uintptr, write bool) *kernel.Error {
	page := mm.PageFromAddress(addr &^ (mm.PageSize - 1))
	offset := a.OffsetOf(addr)
	pdt := a.as.pdt

	if a.Shared() {
		if frame, found := z.lookup(offset); found {
			return pdt.Map(page, frame, a.pageFlags())
		}
	}

	// Reads share the zero frame until the page is written.
	if !write {
		return pdt.Map(page, z.mgr.drv.ZeroFrame(), vmm.FlagUserAccessible)
	}

	frame, err := z.mgr.frames.RefNew()
	if err != nil {
		return err
	}
	defer func() { _, _ = z.mgr.frames.Unref(frame) }()

	if err = z.mgr.clearFrame(frame); err != nil {
		return err
	}
	if err = pdt.Map(page, frame, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		return err
	}

	if a.Shared() {
		if err = z.insert(offset, frame); err != nil {
			_ = pdt.Unmap(page)
			return err
		}
	}
	return nil
}

func (z *zeroResource) lookup(offset uint64) (mm.Frame, bool) {
	for zp := z.pages; zp != nil; zp = zp.next {
		if zp.offset == offset {
			return zp.frame, true
		}
	}
	return mm.InvalidFrame, false
}

// insert records frame as the page at offset and takes a reference on it.
func (z *zeroResource) insert(offset uint64, frame mm.Frame) *kernel.Error {
	slot, err := z.mgr.kmem.CacheAlloc(z.mgr.cacheOfZeroPages)
	if err != nil {
		return errNoMemory
	}
	if _, err = z.mgr.frames.RefAt(frame); err != nil {
		_ = z.mgr.kmem.CacheFree(slot)
		return err
	}

	z.pages = &zeroPage{slot: slot, offset: offset, frame: frame, next: z.pages}
	return nil
}

// release drops the recorded frames and frees the resource descriptor.
func (z *zeroResource) release() {
	for zp := z.pages; zp != nil; zp = zp.next {
		_, _ = z.mgr.frames.Unref(zp.frame)
		_ = z.mgr.kmem.CacheFree(zp.slot)
	}
	z.pages = nil
	_ = z.mgr.blocks.Free(z.block)
}

// clearFrame fills frame with zeroes through the temporary mapping.
func (m *Manager) clearFrame(frame mm.Frame) *kernel.Error {
	page, err := m.drv.MapTemporary(frame)
	if err != nil {
		return err
	}
	cpu.Memset(page.Address(), 0, mm.PageSize)
	return m.drv.Unmap(page)
}
