// Package gate routes processor exceptions to the kernel handlers registered
// for them.
package gate

import (
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"io"
)

// Registers contains a snapshot of the register values when an exception
// occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code pushed by the processor.
	Info uint32

	// CR2 holds the faulting address for page faults.
	CR2 uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x CR2 = %8x\n", r.EBP, r.CR2)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler services an exception. It returns true if the interrupted
// instruction can be restarted.
type Handler func(*Registers) bool

var handlers [256]Handler

// Init connects the exception dispatcher to the CPU and removes any
// previously registered handler.
func Init() {
	for i := range handlers {
		handlers[i] = nil
	}
	cpu.SetPageFaultHook(dispatchPageFault)
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlers[intNumber] = handler
}

func dispatchPageFault(errorCode uint32) bool {
	regs := Registers{
		Info: errorCode,
		CR2:  uint32(cpu.ReadCR2()),
	}
	return dispatchInterrupt(PageFaultException, &regs)
}

// dispatchInterrupt routes an incoming exception to the registered handler.
// Exceptions without a handler escalate to a double fault; a double fault
// without a handler halts the CPU.
func dispatchInterrupt(intNumber InterruptNumber, regs *Registers) bool {
	if handler := handlers[intNumber]; handler != nil {
		return handler(regs)
	}

	if handler := handlers[DoubleFault]; handler != nil && intNumber != DoubleFault {
		return handler(regs)
	}

	kfmt.Printf("\nunhandled exception %d\n", uint8(intNumber))
	regs.DumpTo(kfmt.GetOutputSink())
	cpu.Halt()
	return false
}
