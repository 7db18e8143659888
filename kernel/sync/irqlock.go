package sync

import "gophermm/kernel/cpu"

// IRQLock is the critical section shared by the memory manager. Holding it
// keeps interrupts (and therefore page faults raised from interrupt context)
// from running while shared state is being changed; the outermost holder also
// owns a spinlock. The lock is re-entrant: nested acquisitions only restore
// the interrupt flag when the outermost one is released.
type IRQLock struct {
	spin       Spinlock
	depth      uint32
	restoreIRQ bool
}

// Acquire masks interrupts, remembering whether they were enabled.
func (l *IRQLock) Acquire() {
	enabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	if l.depth == 0 {
		l.spin.Acquire()
		l.restoreIRQ = enabled
	}
	l.depth++
}

// Release leaves the critical section. Interrupts are re-enabled when the
// outermost holder releases the lock and they were enabled before it was
// acquired.
func (l *IRQLock) Release() {
	if l.depth == 0 {
		return
	}

	l.depth--
	if l.depth != 0 {
		return
	}

	l.spin.Release()
	if l.restoreIRQ {
		cpu.EnableInterrupts()
	}
}

// Held reports whether the lock is currently held.
func (l *IRQLock) Held() bool {
	return l.depth > 0
}
