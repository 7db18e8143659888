package uvmm

import "gophermm/kernel/mm"

// InitHeap sets the address the heap of as starts at. The heap is empty
// until the first call to Brk.
func (m *Manager) InitHeap(as *AddressSpace, heapStart uintptr) {
	m.lock.Acquire()
	defer m.lock.Release()

	as.heapStart = mm.AlignUp(heapStart)
	as.heapSize = 0
}

// Heap returns the bounds of the heap of as.
func (as *AddressSpace) Heap() (start, size uintptr) {
	return as.heapStart, as.heapSize
}

// Brk moves the top of the heap of as to newTop, rounded up to a page, and
// returns the new top. A zero newTop queries the current top. Brk returns 0
// if the heap cannot be moved.
//
// The heap is a single anonymous shared arena created by the first call
// that grows it; the arena may be placed above the requested start if that
// is already mapped.
func (m *Manager) Brk(as *AddressSpace, newTop uintptr) uintptr {
	m.lock.Acquire()
	defer m.lock.Release()

	top := as.heapStart + as.heapSize
	switch {
	case newTop == 0 || newTop == top:
		return top
	case newTop < as.heapStart:
		return 0
	}

	newSize := mm.AlignUp(newTop) - as.heapStart

	if as.heapSize == 0 {
		start, err := as.zeroMapLocked(as.heapStart, newSize, ProtRead|ProtWrite, MapShared)
		if err != nil {
			log.Warnf("pid %d: cannot map heap: %s\n", as.pid, err.Message)
			return 0
		}
		as.heapStart, as.heapSize = start, newSize
		return start + newSize
	}

	if newSize == 0 {
		if err := as.unmapLocked(as.heapStart, as.heapSize); err != nil {
			return 0
		}
	} else if _, err := as.resizeLocked(as.heapStart, as.heapSize, as.heapStart, newSize, 0); err != nil {
		return 0
	}

	as.heapSize = newSize
	return as.heapStart + newSize
}
