package uvmm

import "gophermm/kernel"

// ResourceFlag describes a mapped resource.
type ResourceFlag uint32

const (
	// ResourceAnonymous marks resources without contents of their own.
	// The offset of an anonymous mapping is the address it is first
	// mapped at, which keeps its pages addressable after the arena is
	// split, moved or merged.
	ResourceAnonymous ResourceFlag = 1 << iota
)

// Backend is implemented by the drivers that can back user memory.
type Backend interface {
	// Mmap is called once for every new arena mapping the resource and
	// returns the operations of that arena.
	Mmap(a *Arena) (ArenaOps, *kernel.Error)
}

// ArenaOps is the set of callbacks a backend installs on the arenas
// mapping its resource.
type ArenaOps interface {
	// Ref is called once the arena has been inserted in its address
	// space, including arenas created by splitting an existing one.
	Ref(a *Arena)

	// Unref is called once the arena has been removed from its address
	// space.
	//
	// Ref and Unref are also called in pairs to keep the resource alive
	// while the arenas mapping it are replaced. The arena passed to Unref
	// may have been removed by then.
	Unref(a *Arena)

	// Unmap is called before [addr, addr+size) stops being part of
	// the arena.
	Unmap(a *Arena, addr, size uintptr)

	// NoPage installs a translation for the page containing addr.
	NoPage(a *Arena, addr uintptr, write bool) *kernel.Error
}

// MappedResource describes something that can be mapped into user space.
type MappedResource struct {
	allowed Prot
	flags   ResourceFlag
	backend Backend

	// arenas mapping this resource, in no particular order
	arenas *Arena
}

// NewMappedResource returns a resource that may be mapped with at most
// allowed access rights.
func NewMappedResource(allowed Prot, flags ResourceFlag, backend Backend) *MappedResource {
	return &MappedResource{allowed: allowed & protMask, flags: flags, backend: backend}
}

// Allowed returns the access rights the resource can be mapped with.
func (r *MappedResource) Allowed() Prot { return r.allowed }

// Anonymous reports whether the resource is anonymous.
func (r *MappedResource) Anonymous() bool { return r.flags&ResourceAnonymous != 0 }

// Arenas calls fn for every arena mapping the resource.
func (r *MappedResource) Arenas(fn func(*Arena)) {
	if a := r.arenas; a != nil {
		for {
			fn(a)
			if a = a.nextInRes; a == r.arenas {
				break
			}
		}
	}
}

func (r *MappedResource) link(a *Arena) {
	if r.arenas == nil {
		a.prevInRes, a.nextInRes = a, a
		r.arenas = a
		return
	}

	tail := r.arenas.prevInRes
	a.prevInRes, a.nextInRes = tail, r.arenas
	tail.nextInRes = a
	r.arenas.prevInRes = a
}

func (r *MappedResource) unlink(a *Arena) {
	if a.nextInRes == a {
		r.arenas = nil
	} else {
		a.prevInRes.nextInRes = a.nextInRes
		a.nextInRes.prevInRes = a.prevInRes
		if r.arenas == a {
			r.arenas = a.nextInRes
		}
	}
	a.prevInRes, a.nextInRes = nil, nil
}

// allows reports whether the resource accepts a mapping with prot.
func (r *MappedResource) allows(prot Prot) bool {
	return prot&^r.allowed == 0
}
