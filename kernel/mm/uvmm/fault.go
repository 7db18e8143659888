package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// LazyPageIn resolves a page fault at addr in the active address space by
// asking the arena containing addr to install a translation.
func (m *Manager) LazyPageIn(addr uintptr, write, user bool) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	as := m.current
	if as == nil {
		return errFaultNotResolved
	}

	a := as.FindArena(addr)
	if a == nil || a.ops == nil || (write && a.prot&ProtWrite == 0) {
		as.invalidFaults++
		return errFaultNotResolved
	}

	page := addr &^ (mm.PageSize - 1)
	_, _, lookupErr := as.pdt.Lookup(page)
	if err := a.ops.NoPage(a, addr, write); err != nil {
		as.invalidFaults++
		log.Warnf("pid %d: cannot page in 0x%8x: %s\n", as.pid, addr, err.Message)
		return errFaultNotResolved
	}

	// a write to a read-only copy replaces the frame already accounted for
	if lookupErr != nil {
		as.physTotal += mm.PageSize
	}
	as.pageIns++
	return nil
}
