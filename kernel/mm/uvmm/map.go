package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// Map maps size bytes of res, starting at offset, into as and returns the
// address of the mapping.
//
// With MapFixed the mapping is placed at hint and replaces anything mapped
// there; otherwise it is placed in the first unmapped interval at or above
// hint. The offset of anonymous resources is ignored: it becomes the address
// of the mapping. The new interval is merged with the arenas around it when
// they map the same resource contiguously with the same rights and flags.
func (m *Manager) Map(as *AddressSpace, hint, size uintptr, prot Prot, flags MapFlag, res *MappedResource, offset uint64) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()
	return as.mapLocked(hint, size, prot, flags, res, offset)
}

func (as *AddressSpace) mapLocked(hint, size uintptr, prot Prot, flags MapFlag, res *MappedResource, offset uint64) (uintptr, *kernel.Error) {
	m := as.mgr
	fromResize := flags&mapFromResize != 0

	switch {
	case res == nil || res.backend == nil:
		return 0, errNoBackend
	case !mm.PageAligned(hint) || size == 0:
		return 0, errPermission
	}
	size = mm.AlignUp(size)

	if flags&MapShared != 0 && !res.allows(prot) {
		return 0, errPermission
	}

	if (fromResize || !res.Anonymous()) && offset+uint64(size) <= offset {
		return 0, errPermission
	}

	prot &= protMask
	fixed := flags&MapFixed != 0
	flags &= MapShared

	// The arena is allocated before the list is inspected so that nothing
	// can fail once the list is being changed.
	slot, err := m.kmem.CacheAlloc(m.cacheOfArenas)
	if err != nil {
		return 0, errNoMemory
	}
	usedSlot := false
	defer func() {
		if !usedSlot {
			_ = m.kmem.CacheFree(slot)
		}
	}()

	addr := hint
	if fixed {
		if !userArea(addr, size) {
			return 0, errInvalidAddress
		}

		// The arenas replaced here may be the last ones mapping res.
		if holder := res.arenas; holder != nil && holder.ops != nil {
			holder.ops.Ref(holder)
			defer holder.ops.Unref(holder)
		}
		if err = as.unmapLocked(addr, size); err != nil {
			return 0, err
		}
	} else if addr = as.findFreeInterval(hint, size); addr == 0 {
		return 0, errNoMemory
	}

	if !fromResize && res.Anonymous() {
		offset = uint64(addr)
	}

	var prev, next *Arena
	if next = as.findEnclosingOrNext(addr); next != nil {
		prev = as.prevArena(next)
	} else if as.arenas != nil {
		prev = as.arenas.prevInAS
	}

	mergePrev := prev != nil && prev.resource == res &&
		prev.offset+uint64(prev.size) == offset &&
		prev.end() == addr &&
		prev.flags == flags && prev.prot == prot
	mergeNext := next != nil && next.resource == res &&
		offset+uint64(size) == next.offset &&
		addr+size == next.start &&
		next.flags == flags && next.prot == prot

	var a *Arena
	switch {
	case mergePrev && mergeNext:
		a = prev
		a.size += size + next.size

		as.removeArena(next)
		res.unlink(next)
		if next.ops != nil {
			next.ops.Unref(next)
		}
		_ = m.kmem.CacheFree(next.slot)
	case mergePrev:
		a = prev
		a.size += size
	case mergeNext:
		a = next
		a.start -= size
		a.size += size
		a.offset = offset
	default:
		a = &Arena{
			slot:     slot,
			start:    addr,
			size:     size,
			prot:     prot,
			flags:    flags,
			resource: res,
			offset:   offset,
		}
		as.insertAfter(prev, a)
		res.link(a)

		if a.ops, err = res.backend.Mmap(a); err != nil {
			as.removeArena(a)
			res.unlink(a)
			return 0, err
		}
		usedSlot = true

		if a.ops != nil {
			a.ops.Ref(a)
		}
	}

	as.accountChange(flags&MapShared != 0, size, 0, prot)
	return addr, nil
}
