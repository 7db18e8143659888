package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// loadEntry reads the entry stored at the virtual address entryAddr.
func loadEntry(entryAddr uintptr) pageTableEntry {
	return pageTableEntry(cpu.Load32(entryAddr))
}

// storeEntry writes pte at the virtual address entryAddr.
func storeEntry(entryAddr uintptr, pte pageTableEntry) {
	cpu.Store32(entryAddr, uint32(pte))
}

// pdeAddress returns the address of the page directory entry covering
// virtAddr through the recursive mapping.
func pdeAddress(virtAddr uintptr) uintptr {
	return pdtVirtualAddr + (virtAddr>>pageLevelShifts[0])<<mm.PointerShift
}

// pteForAddress returns the address of the final page table entry that
// corresponds to a particular virtual address. The function performs a page
// table walk till it reaches the final page table entry returning
// ErrInvalidMapping if the page is not present.
func pteForAddress(virtAddr uintptr) (uintptr, pageTableEntry, *kernel.Error) {
	var (
		err       *kernel.Error
		entryAddr uintptr
		entry     pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, addr uintptr) bool {
		pte := loadEntry(addr)
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		entryAddr, entry = addr, pte
		return true
	})

	if err != nil {
		return 0, 0, err
	}
	return entryAddr, entry, nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the virtual address of the
// page table entry as its arguments. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the address of the page table entry that corresponds
// to each page table level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	// tableAddr is initially set to the recursively mapped virtual address
	// of the page directory itself.
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if !walkFn(level, entryAddr) {
			return
		}

		// Shifting the entry address left by the number of bits for
		// this paging level adds a level of indirection to the
		// recursive mapping and yields the virtual address of the
		// table pointed to by the entry.
		tableAddr = (entryAddr << pageLevelBits[level]) & mm.MaxAddress
	}
}
