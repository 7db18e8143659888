package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// Unmap removes [addr, addr+size) from as. Arenas fully inside the interval
// are deleted, arenas overlapping one of its edges shrink and an arena
// enclosing it is split in two. The pages of the interval are unmapped even
// if no arena covered them.
func (m *Manager) Unmap(as *AddressSpace, addr, size uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()
	return as.unmapLocked(addr, size)
}

func (as *AddressSpace) unmapLocked(addr, size uintptr) *kernel.Error {
	m := as.mgr

	if !mm.PageAligned(addr) || size == 0 {
		return errPermission
	}
	size = mm.AlignUp(size)
	if !userArea(addr, size) {
		return errInvalidAddress
	}
	end := addr + size

	// Splitting needs a second arena; it is allocated before any arena is
	// changed.
	slot, err := m.kmem.CacheAlloc(m.cacheOfArenas)
	if err != nil {
		return errNoMemory
	}
	usedSlot := false

	for a := as.findEnclosingOrNext(addr); a != nil && a.start < end; {
		switch {
		case a.start >= addr && a.end() <= end:
			// the arena disappears
			next := as.nextArena(a)
			if a.ops != nil {
				a.ops.Unmap(a, a.start, a.size)
			}
			as.removeArena(a)
			a.resource.unlink(a)
			if a.ops != nil {
				a.ops.Unref(a)
			}
			as.accountChange(a.Shared(), a.size, a.prot, 0)
			_ = m.kmem.CacheFree(a.slot)
			a = next

		case a.start < addr && a.end() > end:
			// the interval is inside the arena: split it
			tail := &Arena{
				slot:     slot,
				start:    end,
				size:     a.end() - end,
				prot:     a.prot,
				flags:    a.flags,
				ops:      a.ops,
				resource: a.resource,
				offset:   a.offset + uint64(end-a.start),
			}
			usedSlot = true
			a.size = addr - a.start

			as.insertAfter(a, tail)
			a.resource.link(tail)

			if a.ops != nil {
				a.ops.Unmap(a, addr, size)
				tail.ops.Ref(tail)
			}
			as.accountChange(a.Shared(), size, a.prot, 0)
			a = nil

		case a.start >= addr:
			// the interval covers the start of the arena
			shift := end - a.start
			if a.ops != nil {
				a.ops.Unmap(a, a.start, shift)
			}
			a.start += shift
			a.size -= shift
			a.offset += uint64(shift)
			as.accountChange(a.Shared(), shift, a.prot, 0)
			a = nil

		default:
			// the interval covers the end of the arena
			cut := a.end() - addr
			if a.ops != nil {
				a.ops.Unmap(a, addr, cut)
			}
			a.size -= cut
			as.accountChange(a.Shared(), cut, a.prot, 0)
			a = as.nextArena(a)
		}
	}

	unmapped, err := as.pdt.UnmapInterval(addr, size)
	as.releasePhys(unmapped)

	if !usedSlot {
		_ = m.kmem.CacheFree(slot)
	}
	return err
}
