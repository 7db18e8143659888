// Package cpu provides the processor of the hosted machine: the control
// registers used by the memory manager, the interrupt flag, the TLB flush
// instruction and memory accesses that go through the MMU.
package cpu

import (
	"gophermm/kernel"
	"gophermm/kernel/hal/ram"
)

var (
	// ErrHalted is the value passed to panic when the CPU is halted.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

	mem *ram.Memory

	cr0PG bool
	cr2   uintptr
	cr3   uintptr

	interruptsEnabled bool
	tlbFlushes        uint64
)

// Attach connects the CPU to a block of physical memory and resets all
// registers to their power-on state: paging disabled, interrupts masked and
// no page-fault hook.
func Attach(m *ram.Memory) {
	mem = m
	cr0PG = false
	cr2, cr3 = 0, 0
	interruptsEnabled = false
	tlbFlushes = 0
	pageFaultHook = nil
}

// Memory returns the physical memory attached to the CPU.
func Memory() *ram.Memory {
	return mem
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { interruptsEnabled = true }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { interruptsEnabled = false }

// InterruptsEnabled reports the state of the interrupt flag.
func InterruptsEnabled() bool { return interruptsEnabled }

// Halt stops instruction execution. On the hosted machine there is nothing
// left to run so Halt unwinds the caller by panicking with ErrHalted.
func Halt() {
	panic(ErrHalted)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	tlbFlushes++
}

// TLBFlushCount returns the number of TLB flushes issued since Attach.
func TLBFlushCount() uint64 { return tlbFlushes }

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	cr3 = pdtPhysAddr
	tlbFlushes++
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return cr3 }

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uintptr { return cr2 }

// EnablePaging turns on address translation. CR3 must point to a valid page
// directory.
func EnablePaging() { cr0PG = true }

// PagingEnabled reports whether address translation is on.
func PagingEnabled() bool { return cr0PG }
