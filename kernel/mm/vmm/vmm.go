// Package vmm drives the two-level x86 page tables. Every directory maps
// itself through its last entry so that the active directory and all of its
// page tables can be edited through fixed virtual windows. Inactive
// directories are edited by temporarily pointing the recursive entry of the
// active directory at them.
package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT

	errPagingEnabled      = &kernel.Error{Module: "vmm", Message: "paging is already enabled"}
	errMissingKernelTable = &kernel.Error{Module: "vmm", Message: "kernel page table missing"}

	log = kfmt.NewLogger("vmm")
)

// FrameAllocator hands out and reference-counts physical frames.
type FrameAllocator interface {
	RefNew() (mm.Frame, *kernel.Error)
	RefAt(mm.Frame) (bool, *kernel.Error)
	Unref(mm.Frame) (bool, *kernel.Error)
}

// Driver owns the page tables of the machine. Mapping a frame takes a
// reference on it and removing or replacing the mapping drops that
// reference, unless the entry is flagged FlagUnowned.
type Driver struct {
	frames FrameAllocator

	kernelPDT *PageDirectoryTable

	// active is the directory loaded in CR3. current is the directory
	// visible through the recursive windows; it differs from active while
	// an inactive directory is being edited.
	active, current *PageDirectoryTable

	// zeroFrame is a zero-cleared frame that may only be mapped
	// read-only. It backs pages that have been read but never written.
	zeroFrame        mm.Frame
	protectZeroFrame bool

	faultResolver FaultResolver
}

// Setup builds the kernel page directory, identity maps physical memory in
// [PageSize, ramTop) and turns on paging. The page tables covering the kernel
// half are allocated up front so that every directory shares them. Setup
// also installs the page fault handler and reserves the zero frame.
func Setup(frames FrameAllocator, ramTop uintptr) (*Driver, *kernel.Error) {
	if cpu.PagingEnabled() {
		return nil, errPagingEnabled
	}

	d := &Driver{frames: frames}

	pdtFrame, err := frames.RefNew()
	if err != nil {
		return nil, err
	}
	pdtAddr := pdtFrame.Address()
	cpu.Memset(pdtAddr, 0, mm.PageSize)

	var pde pageTableEntry
	for index := 0; index < kernelTableCount; index++ {
		tableFrame, err := frames.RefNew()
		if err != nil {
			return nil, err
		}
		cpu.Memset(tableFrame.Address(), 0, mm.PageSize)

		pde = 0
		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagPresent | FlagRW)
		storeEntry(pdtAddr+uintptr(index)<<mm.PointerShift, pde)
	}

	if ramTop > tempMappingAddr {
		ramTop = tempMappingAddr
	}

	// With paging still off, table addresses are physical addresses.
	var pte pageTableEntry
	for addr := mm.PageSize; addr < ramTop; addr += mm.PageSize {
		pde = loadEntry(pdeAddressIn(pdtAddr, addr))
		pte = 0
		pte.SetFrame(mm.FrameFromAddress(addr))
		pte.SetFlags(FlagPresent | FlagRW | FlagUnowned)
		storeEntry(pde.Frame().Address()+((addr>>pageLevelShifts[1])&(entriesPerTable-1))<<mm.PointerShift, pte)
	}

	pde = 0
	pde.SetFrame(pdtFrame)
	pde.SetFlags(FlagPresent | FlagRW)
	storeEntry(pdtAddr+lastEntryOffset, pde)

	d.kernelPDT = &PageDirectoryTable{pdtFrame: pdtFrame, drv: d}
	d.kernelPDT.Activate()
	cpu.EnablePaging()

	d.installFaultHandlers()

	if err = d.reserveZeroedFrame(); err != nil {
		return nil, err
	}

	log.Printf("paging enabled; kernel directory at 0x%8x, %d kernel page tables\n", pdtAddr, kernelTableCount)
	return d, nil
}

func pdeAddressIn(pdtAddr, virtAddr uintptr) uintptr {
	return pdtAddr + (virtAddr>>pageLevelShifts[0])<<mm.PointerShift
}

// KernelPDT returns the directory built by Setup.
func (d *Driver) KernelPDT() *PageDirectoryTable { return d.kernelPDT }

// ActivePDT returns the directory loaded in CR3.
func (d *Driver) ActivePDT() *PageDirectoryTable { return d.active }

// ZeroFrame returns the zero-cleared frame reserved by Setup.
func (d *Driver) ZeroFrame() mm.Frame { return d.zeroFrame }

// reserveZeroedFrame reserves a physical frame that is mapped read-only
// wherever a page is read before it is ever written.
func (d *Driver) reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mm.Page
	)

	if d.zeroFrame, err = d.frames.RefNew(); err != nil {
		return err
	} else if tempPage, err = d.MapTemporary(d.zeroFrame); err != nil {
		return err
	}
	cpu.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = d.Unmap(tempPage)

	// From this point on, the zero frame cannot be mapped with a RW flag
	d.protectZeroFrame = true
	return nil
}
