package vmm

import "gophermm/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the
	// 32-bit x86 MMU without PAE.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)

	// entriesPerTable is the number of entries in a page directory or table.
	entriesPerTable = 1 << 10

	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last page directory entry to allow
	// accessing the page directory using the MMU address translation
	// mechanism.
	pdtVirtualAddr = uintptr(0xfffff000)

	// pageTablesVirtualAddr is the start of the window through which the
	// recursive mapping exposes every page table of the active directory.
	pageTablesVirtualAddr = uintptr(0xffc00000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing page
	// directories).
	tempMappingAddr = mm.TempMappingAddr

	// kernelTableCount is the number of page tables covering the kernel
	// half. They are allocated up front and shared by every directory.
	kernelTableCount = int(mm.KernelSpaceTop >> 22)

	// lastEntryOffset is the byte offset of the recursive entry.
	lastEntryOffset = uintptr(entriesPerTable-1) << mm.PointerShift
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagUnowned marks an entry that does not hold a reference to its
	// frame: the identity mapping of physical memory and temporary
	// mappings. It lives in a bit the MMU ignores.
	FlagUnowned
)
