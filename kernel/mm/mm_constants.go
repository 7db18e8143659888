package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)) on the target
	// machine. Page table entries have the same size as a pointer.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxAddress is the highest address reachable by a 32-bit machine.
	MaxAddress = uintptr(0xffffffff)
)

// Virtual and physical memory layout.
const (
	// KernelSpaceBase is the lowest address handed out by the kernel range
	// allocator. Everything below it stays unmapped so that null pointer
	// dereferences fault.
	KernelSpaceBase = uintptr(0x4000)

	// KernelSpaceTop is the exclusive upper bound of the kernel half of
	// every address space. The kernel range allocator never hands out
	// addresses above it.
	KernelSpaceTop = uintptr(0x40000000)

	// TempMappingAddr is the last page of the kernel half. The page table
	// driver uses it to map frames temporarily.
	TempMappingAddr = KernelSpaceTop - PageSize

	// UserSpaceBase is the lowest address usable by user arenas.
	UserSpaceBase = KernelSpaceTop

	// UserSpaceTop is the inclusive upper bound of user space. The last
	// 4Mb of the address space hold the recursive page table window.
	UserSpaceTop = uintptr(0xffbfffff)

	// UserSpaceSize is the size of the user half of the address space.
	UserSpaceSize = UserSpaceTop - UserSpaceBase + 1

	// BIOSHoleStart and BIOSHoleEnd delimit the BIOS and video memory
	// region which is never handed out.
	BIOSHoleStart = uintptr(0xa0000)
	BIOSHoleEnd   = uintptr(0x100000)

	// MaxPagesPerSlab is the upper bound for the number of pages backing
	// a single slab.
	MaxPagesPerSlab = 32
)
