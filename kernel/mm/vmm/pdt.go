package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	errDestroyActivePDT = &kernel.Error{Module: "vmm", Message: "cannot destroy the active page directory"}
)

// TableTracker is notified whenever a page table is allocated for a user
// address of a directory. base is the first address covered by the table.
// Returning an error aborts the mapping that needed the table.
type TableTracker func(base uintptr, table mm.Frame) *kernel.Error

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	drv      *Driver

	trackTable TableTracker
}

// CreateDirectory allocates a new page directory. The new directory shares
// the kernel page tables and maps itself through its last entry.
func (d *Driver) CreateDirectory() (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := d.frames.RefNew()
	if err != nil {
		return nil, err
	}

	// Create a temporary mapping for the pdt frame so we can work on it
	pdtPage, err := d.MapTemporary(pdtFrame)
	if err != nil {
		_, _ = d.frames.Unref(pdtFrame)
		return nil, err
	}

	pdtAddr := pdtPage.Address()
	cpu.Memset(pdtAddr, 0, mm.PageSize)
	for index := 0; index < kernelTableCount; index++ {
		offset := uintptr(index) << mm.PointerShift
		storeEntry(pdtAddr+offset, loadEntry(pdtVirtualAddr+offset))
	}

	lastPdtEntry := pageTableEntry(0)
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)
	storeEntry(pdtAddr+lastEntryOffset, lastPdtEntry)

	// Remove temporary mapping
	_ = d.Unmap(pdtPage)

	return &PageDirectoryTable{pdtFrame: pdtFrame, drv: d}, nil
}

// Frame returns the physical frame holding the directory.
func (pdt *PageDirectoryTable) Frame() mm.Frame { return pdt.pdtFrame }

// SetTableTracker registers the function notified about page tables
// allocated for this directory.
func (pdt *PageDirectoryTable) SetTableTracker(tracker TableTracker) {
	pdt.trackTable = tracker
}

// Activate enables this page directory table and flushes the TLB
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
	pdt.drv.active = pdt
	pdt.drv.current = pdt
}

// with runs fn while the entries of this directory are visible through the
// recursive windows. If this table is not active, the last entry of the
// active directory is temporarily pointed at it.
func (pdt *PageDirectoryTable) with(fn func()) {
	d := pdt.drv
	activePdtFrame := mm.FrameFromAddress(activePDTFn())
	if activePdtFrame == pdt.pdtFrame {
		fn()
		return
	}

	// The recursive entry of the active directory is reached through the
	// temporary mapping because the window itself is about to move.
	activePage, err := d.MapTemporary(activePdtFrame)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	lastPdtEntryAddr := activePage.Address() + lastEntryOffset

	lastPdtEntry := loadEntry(lastPdtEntryAddr)
	lastPdtEntry.SetFrame(pdt.pdtFrame)
	storeEntry(lastPdtEntryAddr, lastPdtEntry)
	switchPDTFn(activePdtFrame.Address())

	prevCurrent := d.current
	d.current = pdt
	fn()
	d.current = prevCurrent

	lastPdtEntry.SetFrame(activePdtFrame)
	storeEntry(lastPdtEntryAddr, lastPdtEntry)
	switchPDTFn(activePdtFrame.Address())

	_ = d.Unmap(activePage)
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. This method behaves in a similar fashion to Driver.Map with
// the difference that it also supports inactive page PDTs.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error
	pdt.with(func() { err = pdt.drv.Map(page, frame, flags) })
	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error
	pdt.with(func() { err = pdt.drv.Unmap(page) })
	return err
}

// UnmapInterval removes every mapping of this PDT in [virtAddr,
// virtAddr+size) and returns the number of bytes that were mapped.
func (pdt *PageDirectoryTable) UnmapInterval(virtAddr, size uintptr) (uintptr, *kernel.Error) {
	var (
		unmapped uintptr
		err      *kernel.Error
	)
	pdt.with(func() { unmapped, err = pdt.drv.UnmapInterval(virtAddr, size) })
	return unmapped, err
}

// Translate returns the physical address virtAddr maps to in this PDT.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)
	pdt.with(func() { physAddr, err = pdt.drv.Translate(virtAddr) })
	return physAddr, err
}

// Lookup returns the frame and entry flags for virtAddr in this PDT.
func (pdt *PageDirectoryTable) Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	var (
		frame mm.Frame
		flags PageTableEntryFlag
		err   *kernel.Error
	)
	pdt.with(func() { frame, flags, err = pdt.drv.Lookup(virtAddr) })
	return frame, flags, err
}

// EnsureTable makes sure that a page table covering virtAddr is present in
// this PDT, allocating one if needed.
func (pdt *PageDirectoryTable) EnsureTable(virtAddr uintptr) *kernel.Error {
	if virtAddr >= pageTablesVirtualAddr {
		return errRecursiveWindow
	}

	var err *kernel.Error
	pdt.with(func() {
		entryAddr := pdeAddress(virtAddr)
		if !loadEntry(entryAddr).HasFlags(FlagPresent) {
			err = pdt.drv.allocTable(virtAddr, entryAddr)
		}
	})
	return err
}

// ReleaseTable removes the user page table covering virtAddr from this PDT
// and drops the reference held on it. All pages it maps must have been
// unmapped.
func (pdt *PageDirectoryTable) ReleaseTable(virtAddr uintptr) {
	if virtAddr < mm.KernelSpaceTop || virtAddr >= pageTablesVirtualAddr {
		return
	}

	pdt.with(func() { pdt.releaseTable(virtAddr) })
}

func (pdt *PageDirectoryTable) releaseTable(virtAddr uintptr) {
	entryAddr := pdeAddress(virtAddr)
	pde := loadEntry(entryAddr)
	if !pde.HasFlags(FlagPresent) {
		return
	}

	storeEntry(entryAddr, 0)
	flushTLBEntryFn((entryAddr << pageLevelBits[0]) & mm.MaxAddress)
	_, _ = pdt.drv.frames.Unref(pde.Frame())
}

// Destroy releases the directory frame and any user page table still
// present. The directory must not be active.
func (pdt *PageDirectoryTable) Destroy() *kernel.Error {
	if mm.FrameFromAddress(activePDTFn()) == pdt.pdtFrame {
		return errDestroyActivePDT
	}

	pdt.with(func() {
		for index := kernelTableCount; index < entriesPerTable-1; index++ {
			pdt.releaseTable(uintptr(index) << pageLevelShifts[0])
		}
	})

	_, _ = pdt.drv.frames.Unref(pdt.pdtFrame)
	pdt.drv = nil
	return nil
}
