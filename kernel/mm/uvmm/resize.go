package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

// Resize changes the arena covering [oldAddr, oldAddr+oldSize) so that it
// covers [newAddr, newAddr+newSize) and returns the address it ends up at.
// Exactly one arena must cover the old interval. If the new interval would
// overlap a neighbour or leave user space, the arena is moved elsewhere
// provided flags include RemapMayMove; the pages mapped so far move along.
func (m *Manager) Resize(as *AddressSpace, oldAddr, oldSize, newAddr, newSize uintptr, flags MapFlag) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()
	return as.resizeLocked(oldAddr, oldSize, newAddr, newSize, flags)
}

func (as *AddressSpace) resizeLocked(oldAddr, oldSize, newAddr, newSize uintptr, flags MapFlag) (uintptr, *kernel.Error) {
	if !mm.PageAligned(newAddr) || newSize == 0 {
		return 0, errPermission
	}
	oldSize = mm.AlignUp(oldSize + oldAddr&(mm.PageSize-1))
	oldAddr &^= mm.PageSize - 1
	newSize = mm.AlignUp(newSize)

	a := as.findEnclosingOrNext(oldAddr)
	if a == nil || a.start > oldAddr || a.end() < oldAddr+oldSize {
		return 0, errNoArena
	}
	prev, next := as.prevArena(a), as.nextArena(a)

	// The arena cannot start before offset 0 of its resource.
	if newAddr < a.start && uint64(a.start-newAddr) > a.offset {
		return 0, errPermission
	}

	var newOffset uint64
	if newAddr < a.start {
		newOffset = a.offset - uint64(a.start-newAddr)
	} else {
		newOffset = a.offset + uint64(newAddr-a.start)
	}
	newEnd := newAddr + newSize

	mustMove := (prev != nil && prev.end() > newAddr) ||
		(next != nil && next.start < newEnd) ||
		!userArea(newAddr, newSize)
	if mustMove && flags&RemapMayMove == 0 {
		return 0, errPermission
	}

	if mustMove {
		return as.moveArena(a, newAddr, newSize, newOffset)
	}

	// The arena grows before it shrinks: an interval that does not
	// overlap the old one would otherwise unmap the whole arena.
	if newAddr < a.start {
		as.accountChange(a.Shared(), a.start-newAddr, 0, a.prot)
		a.size += a.start - newAddr
		a.start = newAddr
		a.offset = newOffset
	}
	if newEnd > a.end() {
		as.accountChange(a.Shared(), newEnd-a.end(), 0, a.prot)
		a.size = newEnd - a.start
	}

	if newEnd < a.end() {
		if err := as.unmapLocked(newEnd, a.end()-newEnd); err != nil {
			return 0, err
		}
	}
	if newAddr > a.start {
		if err := as.unmapLocked(a.start, newAddr-a.start); err != nil {
			return 0, err
		}
	}

	return newAddr, nil
}

// moveArena maps the part of a's resource that [newAddr, newAddr+newSize)
// would cover at a free address, moves the pages already mapped in that
// part and unmaps a.
func (as *AddressSpace) moveArena(a *Arena, newAddr, newSize uintptr, newOffset uint64) (uintptr, *kernel.Error) {
	// a may be merged with the new mapping, so its bounds are saved first.
	oldStart, oldEnd := a.start, a.end()

	dst, err := as.mapLocked(newAddr, newSize, a.prot, a.flags|mapFromResize, a.resource, newOffset)
	if err != nil {
		return 0, err
	}

	newEnd := newAddr + newSize
	for addr := oldStart; addr < oldEnd; addr += mm.PageSize {
		if addr < newAddr || addr >= newEnd {
			continue
		}

		frame, entryFlags, err := as.pdt.Lookup(addr)
		if err != nil {
			// nothing paged in yet
			continue
		}

		page := mm.PageFromAddress(dst + (addr - newAddr))
		if err = as.pdt.Map(page, frame, entryFlags&(vmm.FlagRW|vmm.FlagUserAccessible)); err != nil {
			_ = as.unmapLocked(dst, newSize)
			return 0, err
		}
		as.physTotal += mm.PageSize
	}

	if err = as.unmapLocked(oldStart, oldEnd-oldStart); err != nil {
		_ = as.unmapLocked(dst, newSize)
		return 0, err
	}
	return dst, nil
}
