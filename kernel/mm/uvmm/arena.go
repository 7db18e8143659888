package uvmm

import (
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

// Arena is a contiguous interval of an address space mapping part of one
// resource.
type Arena struct {
	slot uintptr
	as   *AddressSpace

	start, size uintptr
	prot        Prot
	flags       MapFlag

	ops      ArenaOps
	resource *MappedResource
	offset   uint64

	prevInAS, nextInAS   *Arena
	prevInRes, nextInRes *Arena
}

// AddressSpace returns the address space the arena belongs to.
func (a *Arena) AddressSpace() *AddressSpace { return a.as }

// Start returns the first address of the arena.
func (a *Arena) Start() uintptr { return a.start }

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uintptr { return a.size }

// Prot returns the access rights of the arena.
func (a *Arena) Prot() Prot { return a.prot }

// Shared reports whether the arena was mapped with MapShared.
func (a *Arena) Shared() bool { return a.flags&MapShared != 0 }

// Resource returns the resource mapped by the arena.
func (a *Arena) Resource() *MappedResource { return a.resource }

// Offset returns the offset in the resource of the first byte of the arena.
func (a *Arena) Offset() uint64 { return a.offset }

// OffsetOf returns the offset in the resource of the page containing addr.
func (a *Arena) OffsetOf(addr uintptr) uint64 {
	return uint64(addr&^(mm.PageSize-1)-a.start) + a.offset
}

func (a *Arena) end() uintptr { return a.start + a.size }

// pageFlags returns the page table flags for a page holding data of the
// arena's resource.
func (a *Arena) pageFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagUserAccessible
	if a.prot&ProtWrite != 0 {
		flags |= vmm.FlagRW
	}
	return flags
}

// nextArena returns the arena following a in address order or nil.
func (as *AddressSpace) nextArena(a *Arena) *Arena {
	if a.nextInAS == as.arenas {
		return nil
	}
	return a.nextInAS
}

// prevArena returns the arena preceding a in address order or nil.
func (as *AddressSpace) prevArena(a *Arena) *Arena {
	if a == as.arenas {
		return nil
	}
	return a.prevInAS
}

// findEnclosingOrNext returns the first arena that ends after addr.
func (as *AddressSpace) findEnclosingOrNext(addr uintptr) *Arena {
	if addr > mm.UserSpaceTop {
		return nil
	}

	for a := as.arenas; a != nil; a = as.nextArena(a) {
		if addr <= a.start+(a.size-1) {
			return a
		}
	}
	return nil
}

// findFreeInterval returns the first address at or above hint where size
// bytes are unmapped, wrapping once to the bottom of user space. It returns
// 0 if no such interval exists.
func (as *AddressSpace) findFreeInterval(hint, size uintptr) uintptr {
	if hint < mm.UserSpaceBase {
		hint = mm.UserSpaceBase
	}

	a := as.findEnclosingOrNext(hint)
	for wrapped := false; ; {
		if a == nil {
			if userArea(hint, size) {
				return hint
			}
			if wrapped {
				return 0
			}
			wrapped, hint, a = true, mm.UserSpaceBase, as.arenas
			continue
		}

		if hint+size <= a.start {
			return hint
		}
		if a.end() > hint {
			hint = a.end()
		}
		a = as.nextArena(a)
	}
}

// insertAfter links a into the arena list right after prev, or at the head
// if prev is nil.
func (as *AddressSpace) insertAfter(prev, a *Arena) {
	a.as = as
	as.arenaCount++

	if as.arenas == nil {
		a.prevInAS, a.nextInAS = a, a
		as.arenas = a
		return
	}

	if prev == nil {
		prev = as.arenas.prevInAS
		as.arenas = a
	}
	a.prevInAS, a.nextInAS = prev, prev.nextInAS
	prev.nextInAS.prevInAS = a
	prev.nextInAS = a
}

func (as *AddressSpace) removeArena(a *Arena) {
	as.arenaCount--

	if a.nextInAS == a {
		as.arenas = nil
	} else {
		a.prevInAS.nextInAS = a.nextInAS
		a.nextInAS.prevInAS = a.prevInAS
		if as.arenas == a {
			as.arenas = a.nextInAS
		}
	}
	a.prevInAS, a.nextInAS = nil, nil
}
