package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

// ProcessID identifies the process owning an address space.
type ProcessID uint32

// Usage sums the size of the arenas of an address space by access rights.
type Usage struct {
	// Overall counts arenas with any access right.
	Overall uintptr

	// ReadOnly counts readable arenas that are not writable.
	ReadOnly uintptr

	// ReadWrite counts writable arenas.
	ReadWrite uintptr

	// Code counts arenas that user code may access.
	Code uintptr
}

type trackedTable struct {
	slot uintptr
	base uintptr
}

// AddressSpace is the user half of the virtual memory of a process.
type AddressSpace struct {
	slot uintptr
	mgr  *Manager
	pid  ProcessID
	pdt  *vmm.PageDirectoryTable

	arenas     *Arena
	arenaCount int

	heapStart, heapSize uintptr

	// physTotal is the number of bytes of user pages currently mapped.
	physTotal uintptr

	total, shared Usage

	pageIns, invalidFaults uint32

	tables []trackedTable
}

// CreateAddressSpace builds an empty address space for pid with its own page
// directory.
func (m *Manager) CreateAddressSpace(pid ProcessID) (*AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if _, exists := m.spaces[pid]; exists {
		return nil, errAddressSpaceUsed
	}

	slot, err := m.kmem.CacheAlloc(m.cacheOfAS)
	if err != nil {
		return nil, errNoMemory
	}

	pdt, err := m.drv.CreateDirectory()
	if err != nil {
		_ = m.kmem.CacheFree(slot)
		return nil, err
	}

	as := &AddressSpace{slot: slot, mgr: m, pid: pid, pdt: pdt}
	pdt.SetTableTracker(as.trackTable)
	m.spaces[pid] = as
	return as, nil
}

// AddressSpaceOf returns the address space owned by pid or nil.
func (m *Manager) AddressSpaceOf(pid ProcessID) *AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.spaces[pid]
}

// Activate loads the page directory of as. Page faults are resolved against
// the arenas of the active address space.
func (m *Manager) Activate(as *AddressSpace) {
	m.lock.Acquire()
	defer m.lock.Release()

	as.pdt.Activate()
	m.current = as
}

// DeleteAddressSpace unmaps every arena of as, releases its page tables and
// its directory. If as is active, the kernel directory is activated first.
func (m *Manager) DeleteAddressSpace(as *AddressSpace) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	for as.arenas != nil {
		a := as.arenas
		as.removeArena(a)
		a.resource.unlink(a)

		if a.ops != nil {
			a.ops.Unmap(a, a.start, a.size)
			a.ops.Unref(a)
		}
		as.accountChange(a.Shared(), a.size, a.prot, 0)

		unmapped, _ := as.pdt.UnmapInterval(a.start, a.size)
		as.releasePhys(unmapped)
		_ = m.kmem.CacheFree(a.slot)
	}

	for _, table := range as.tables {
		as.pdt.ReleaseTable(table.base)
		_ = m.kmem.CacheFree(table.slot)
	}
	as.tables = nil

	if m.drv.ActivePDT() == as.pdt {
		m.drv.KernelPDT().Activate()
	}
	if m.current == as {
		m.current = nil
	}

	if err := as.pdt.Destroy(); err != nil {
		return err
	}

	delete(m.spaces, as.pid)
	_ = m.kmem.CacheFree(as.slot)
	return nil
}

// trackTable records the page tables allocated for user addresses so that
// they can be released with the address space.
func (as *AddressSpace) trackTable(base uintptr, _ mm.Frame) *kernel.Error {
	slot, err := as.mgr.kmem.CacheAlloc(as.mgr.cacheOfTables)
	if err != nil {
		return errNoMemory
	}
	as.tables = append(as.tables, trackedTable{slot: slot, base: base})
	return nil
}

// PID returns the process owning the address space.
func (as *AddressSpace) PID() ProcessID { return as.pid }

// Directory returns the page directory of the address space.
func (as *AddressSpace) Directory() *vmm.PageDirectoryTable { return as.pdt }

// ArenaCount returns the number of arenas in the address space.
func (as *AddressSpace) ArenaCount() int { return as.arenaCount }

// Arenas calls fn for every arena in address order.
func (as *AddressSpace) Arenas(fn func(*Arena)) {
	for a := as.arenas; a != nil; a = as.nextArena(a) {
		fn(a)
	}
}

// FindArena returns the arena containing addr or nil.
func (as *AddressSpace) FindArena(addr uintptr) *Arena {
	if a := as.findEnclosingOrNext(addr); a != nil && a.start <= addr {
		return a
	}
	return nil
}

// Usage returns the size of all arenas and of the shared arenas by access
// rights.
func (as *AddressSpace) Usage() (total, shared Usage) { return as.total, as.shared }

// PhysTotal returns the number of bytes of user pages backed by a frame.
func (as *AddressSpace) PhysTotal() uintptr { return as.physTotal }

// FaultCounts returns the number of resolved and rejected page faults.
func (as *AddressSpace) FaultCounts() (pageIns, invalid uint32) {
	return as.pageIns, as.invalidFaults
}

// TableCount returns the number of page tables allocated for user
// addresses.
func (as *AddressSpace) TableCount() int { return len(as.tables) }

func (as *AddressSpace) releasePhys(size uintptr) {
	if size > as.physTotal {
		size = as.physTotal
	}
	as.physTotal -= size
}

// accountChange moves size bytes of an arena from the categories matching
// prev to those matching next.
func (as *AddressSpace) accountChange(shared bool, size uintptr, prev, next Prot) {
	if prev == next {
		return
	}

	as.total.sub(prev, size)
	as.total.add(next, size)
	if shared {
		as.shared.sub(prev, size)
		as.shared.add(next, size)
	}
}

// counters returns the counters that include an arena mapped with prot.
func (u *Usage) counters(prot Prot) []*uintptr {
	var counters []*uintptr
	if prot != 0 {
		counters = append(counters, &u.Overall)
	}
	if prot&ProtWrite != 0 {
		counters = append(counters, &u.ReadWrite)
	} else if prot&ProtRead != 0 {
		counters = append(counters, &u.ReadOnly)
	}
	if prot&ProtUser != 0 {
		counters = append(counters, &u.Code)
	}
	return counters
}

func (u *Usage) add(prot Prot, size uintptr) {
	for _, counter := range u.counters(prot) {
		*counter += size
	}
}

func (u *Usage) sub(prot Prot, size uintptr) {
	for _, counter := range u.counters(prot) {
		if *counter < size {
			kfmt.Panic(errUsageUnderflow)
			return
		}
		*counter -= size
	}
}

// PrintStats logs the usage counters of as.
func (as *AddressSpace) PrintStats() {
	log.Printf("pid %d: %d arenas, %d bytes backed, faults %d resolved / %d rejected\n",
		as.pid, as.arenaCount, as.physTotal, as.pageIns, as.invalidFaults)
	log.Printf("pid %d: total %d (ro %d, rw %d, code %d), shared %d (ro %d, rw %d, code %d)\n",
		as.pid, as.total.Overall, as.total.ReadOnly, as.total.ReadWrite, as.total.Code,
		as.shared.Overall, as.shared.ReadOnly, as.shared.ReadWrite, as.shared.Code)
}
