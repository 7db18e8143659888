package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FaultResolver services page faults raised for user-space addresses. It
// returns true if a translation for addr has been installed and the faulting
// access can be retried.
type FaultResolver func(addr uintptr, write, user bool) bool

// SetFaultResolver registers the function that handles faults for addresses
// in the user half of the address space.
func (d *Driver) SetFaultResolver(resolver FaultResolver) {
	d.faultResolver = resolver
}

func (d *Driver) installFaultHandlers() {
	gate.HandleInterrupt(gate.PageFaultException, d.pageFaultHandler)
	gate.HandleInterrupt(gate.GPFException, generalProtectionFaultHandler)
}

func (d *Driver) pageFaultHandler(regs *gate.Registers) bool {
	var (
		faultAddress = uintptr(regs.CR2)
		write        = regs.Info&cpu.FaultWrite != 0
		user         = regs.Info&cpu.FaultUser != 0
	)

	if faultAddress >= mm.UserSpaceBase && faultAddress < pageTablesVirtualAddr && d.faultResolver != nil {
		if d.faultResolver(faultAddress, write, user) {
			return true
		}
	}

	// Faults raised by user code are reported back to the faulting access;
	// the process owning it is dealt with by the caller.
	if user {
		log.Warnf("unresolved user page fault at 0x%8x (code %d)\n", faultAddress, regs.Info)
		return false
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
	return false
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch regs.Info &^ cpu.FaultUser {
	case 0:
		kfmt.Printf("read from non-present page")
	case cpu.FaultProtection:
		kfmt.Printf("page protection violation (read)")
	case cpu.FaultWrite:
		kfmt.Printf("write to non-present page")
	case cpu.FaultProtection | cpu.FaultWrite:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(err)
}

func generalProtectionFaultHandler(regs *gate.Registers) bool {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", regs.CR2)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(errUnrecoverableFault)
	return false
}
