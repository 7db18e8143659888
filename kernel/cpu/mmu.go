package cpu

import (
	"gophermm/kernel"
)

// Page-fault error code bits pushed by the processor.
const (
	FaultProtection = uint32(1 << 0)
	FaultWrite      = uint32(1 << 1)
	FaultUser       = uint32(1 << 2)
)

const (
	entryPresent = uint32(1 << 0)
	entryRW      = uint32(1 << 1)
	entryUser    = uint32(1 << 2)
	entryAddress = uint32(0xfffff000)

	pageSize   = uintptr(4096)
	maxAddress = uintptr(0xffffffff)

	// A faulting access is retried this many times before giving up.
	maxFaultRetries = 2
)

var (
	// ErrPageFault is returned by user accesses whose page fault could not
	// be resolved.
	ErrPageFault = &kernel.Error{Module: "cpu", Message: "unresolved page fault"}

	// pageFaultHook is invoked for every page fault with interrupts
	// masked. It returns true if the faulting access can be retried.
	pageFaultHook func(errorCode uint32) bool
)

// SetPageFaultHook installs the function that services page faults.
func SetPageFaultHook(hook func(errorCode uint32) bool) {
	pageFaultHook = hook
}

// translate walks the two-level page table pointed to by CR3. It returns the
// physical address for vaddr or the page-fault error code describing why
// the access is not allowed. Write protection applies to supervisor
// accesses too.
func translate(vaddr uintptr, write, user bool) (uintptr, uint32, bool) {
	if !cr0PG {
		return vaddr, 0, true
	}

	var code uint32
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}

	if vaddr > maxAddress {
		return 0, code, false
	}

	pde := mem.Load32(cr3 + (vaddr>>22)<<2)
	if pde&entryPresent == 0 {
		return 0, code, false
	}

	pte := mem.Load32(uintptr(pde&entryAddress) + ((vaddr>>12)&0x3ff)<<2)
	if pte&entryPresent == 0 {
		return 0, code, false
	}

	code |= FaultProtection
	if user && (pde&entryUser == 0 || pte&entryUser == 0) {
		return 0, code, false
	}
	if write && (pde&entryRW == 0 || pte&entryRW == 0) {
		return 0, code, false
	}

	return uintptr(pte&entryAddress) | (vaddr & (pageSize - 1)), 0, true
}

// access translates vaddr raising page faults as needed.
func access(vaddr uintptr, write, user bool) (uintptr, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		paddr, code, ok := translate(vaddr, write, user)
		if ok {
			return paddr, nil
		}

		cr2 = vaddr
		if pageFaultHook == nil || attempt == maxFaultRetries {
			return 0, ErrPageFault
		}

		// Exceptions are delivered through an interrupt gate.
		prevIF := interruptsEnabled
		interruptsEnabled = false
		resolved := pageFaultHook(code)
		interruptsEnabled = prevIF

		if !resolved {
			return 0, ErrPageFault
		}
	}
}

// supervisorAccess translates a kernel-mode access. A fault the kernel cannot
// resolve leaves the machine in an unusable state.
func supervisorAccess(vaddr uintptr, write bool) uintptr {
	paddr, err := access(vaddr, write, false)
	if err != nil {
		panic(err)
	}
	return paddr
}

// Load8 reads a byte at vaddr in supervisor mode.
func Load8(vaddr uintptr) uint8 {
	return mem.Load8(supervisorAccess(vaddr, false))
}

// Store8 writes a byte at vaddr in supervisor mode.
func Store8(vaddr uintptr, val uint8) {
	mem.Store8(supervisorAccess(vaddr, true), val)
}

// Load32 reads the word at the 4-byte aligned address vaddr in supervisor
// mode.
func Load32(vaddr uintptr) uint32 {
	return mem.Load32(supervisorAccess(vaddr, false))
}

// Store32 writes the word at the 4-byte aligned address vaddr in supervisor
// mode.
func Store32(vaddr uintptr, val uint32) {
	mem.Store32(supervisorAccess(vaddr, true), val)
}

// Memset sets size bytes starting at vaddr to value.
func Memset(vaddr uintptr, value uint8, size uintptr) {
	for size > 0 {
		chunk := pageSize - vaddr&(pageSize-1)
		if chunk > size {
			chunk = size
		}
		mem.Fill(supervisorAccess(vaddr, true), value, chunk)
		vaddr += chunk
		size -= chunk
	}
}

// UserLoad8 reads a byte at vaddr the way code running in user mode would.
func UserLoad8(vaddr uintptr) (uint8, *kernel.Error) {
	paddr, err := access(vaddr, false, true)
	if err != nil {
		return 0, err
	}
	return mem.Load8(paddr), nil
}

// UserStore8 writes a byte at vaddr the way code running in user mode would.
func UserStore8(vaddr uintptr, val uint8) *kernel.Error {
	paddr, err := access(vaddr, true, true)
	if err != nil {
		return err
	}
	mem.Store8(paddr, val)
	return nil
}

// UserAccess touches vaddr from user mode without changing its contents.
func UserAccess(vaddr uintptr, write bool) *kernel.Error {
	paddr, err := access(vaddr, write, true)
	if err != nil {
		return err
	}
	if write {
		mem.Store8(paddr, mem.Load8(paddr))
	}
	return nil
}
