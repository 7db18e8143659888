package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errNotPageAligned              = &kernel.Error{Module: "vmm", Message: "address not page-aligned"}
	errRecursiveWindow             = &kernel.Error{Module: "vmm", Message: "address belongs to the recursive page table window"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the current page directory. FlagPresent is implied. A missing
// user-space page table is allocated, cleared and reported to the table
// tracker of the directory.
//
// Map takes a reference on frame unless flags include FlagUnowned. If the
// page was already mapped, the reference held by the previous entry is
// dropped. Attempts to map the zero frame with a RW flag will result in an
// error.
func (d *Driver) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if d.protectZeroFrame && frame == d.zeroFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	if page.Address() >= pageTablesVirtualAddr {
		return errRecursiveWindow
	}

	owned := flags&FlagUnowned == 0
	if owned {
		if _, err := d.frames.RefAt(frame); err != nil {
			return err
		}
	}

	var err *kernel.Error
	walk(page.Address(), func(pteLevel uint8, entryAddr uintptr) bool {
		pte := loadEntry(entryAddr)

		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			newPte := pageTableEntry(0)
			newPte.SetFrame(frame)
			newPte.SetFlags(flags | FlagPresent)
			storeEntry(entryAddr, newPte)
			flushTLBEntryFn(page.Address())

			if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagUnowned) {
				_, _ = d.frames.Unref(pte.Frame())
			}
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = d.allocTable(page.Address(), entryAddr)
		}
		return err == nil
	})

	if err != nil && owned {
		_, _ = d.frames.Unref(frame)
	}
	return err
}

// allocTable installs a cleared page table in the directory entry at
// entryAddr.
func (d *Driver) allocTable(virtAddr, entryAddr uintptr) *kernel.Error {
	if virtAddr < mm.KernelSpaceTop {
		kfmt.Panic(errMissingKernelTable)
		return errMissingKernelTable
	}

	tableFrame, err := d.frames.RefNew()
	if err != nil {
		return err
	}

	pde := pageTableEntry(0)
	pde.SetFrame(tableFrame)
	pde.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	storeEntry(entryAddr, pde)

	// The new table becomes visible through the recursive window.
	tableAddr := (entryAddr << pageLevelBits[0]) & mm.MaxAddress
	flushTLBEntryFn(tableAddr)
	cpu.Memset(tableAddr, 0, mm.PageSize)

	if tracker := d.current.trackTable; tracker != nil {
		if err = tracker(virtAddr&^(1<<pageLevelShifts[0]-1), tableFrame); err != nil {
			storeEntry(entryAddr, 0)
			flushTLBEntryFn(tableAddr)
			_, _ = d.frames.Unref(tableFrame)
			return err
		}
	}

	return nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping does not hold a reference to the frame and must be removed with
// Unmap.
//
// Attempts to map the zero frame will result in an error.
func (d *Driver) MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if d.protectZeroFrame && frame == d.zeroFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	page := mm.PageFromAddress(tempMappingAddr)
	if err := d.Map(page, frame, FlagPresent|FlagRW|FlagUnowned); err != nil {
		return 0, err
	}

	return page, nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary and drops the frame reference it held. It returns
// ErrInvalidMapping if the page is not mapped.
func (d *Driver) Unmap(page mm.Page) *kernel.Error {
	entryAddr, pte, err := pteForAddress(page.Address())
	if err != nil {
		return err
	}

	storeEntry(entryAddr, 0)
	flushTLBEntryFn(page.Address())

	if !pte.HasFlags(FlagUnowned) {
		_, _ = d.frames.Unref(pte.Frame())
	}
	return nil
}

// UnmapInterval removes every mapping in [virtAddr, virtAddr+size) and
// returns the number of bytes that were actually mapped. Both arguments must
// be page aligned.
func (d *Driver) UnmapInterval(virtAddr, size uintptr) (uintptr, *kernel.Error) {
	if !mm.PageAligned(virtAddr) || !mm.PageAligned(size) {
		return 0, errNotPageAligned
	}

	end := virtAddr + size
	if end > pageTablesVirtualAddr {
		end = pageTablesVirtualAddr
	}

	var unmapped uintptr
	for virtAddr < end {
		// skip over address ranges without a page table
		if !loadEntry(pdeAddress(virtAddr)).HasFlags(FlagPresent) {
			virtAddr = (virtAddr | (1<<pageLevelShifts[0] - 1)) + 1
			continue
		}

		if d.Unmap(mm.PageFromAddress(virtAddr)) == nil {
			unmapped += mm.PageSize
		}
		virtAddr += mm.PageSize
	}

	return unmapped, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (d *Driver) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	_, pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Lookup returns the frame mapped at virtAddr together with the flags of its
// page table entry.
func (d *Driver) Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	_, pte, err := pteForAddress(virtAddr)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}
	return pte.Frame(), pte.Flags(), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
