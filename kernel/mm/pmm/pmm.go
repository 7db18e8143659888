// Package pmm implements the physical frame allocator. Every frame between
// the first page and the top of RAM has a descriptor holding a reference
// count. Frames with a zero reference count sit on the free list; all other
// frames sit on the used list.
package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

// frameDescSize is the footprint of a frame descriptor in the kernel image
// area. It determines how much memory past the kernel is set aside for the
// descriptor array.
const frameDescSize = 20

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errNotPageAligned  = &kernel.Error{Module: "pmm", Message: "address not page-aligned"}
	errOutOfRange      = &kernel.Error{Module: "pmm", Message: "address out of range"}
	errNotReferenced   = &kernel.Error{Module: "pmm", Message: "frame not referenced"}
	errRAMTooSmall     = &kernel.Error{Module: "pmm", Message: "RAM too small for the kernel image and frame descriptors"}
	errRAMTooLarge     = &kernel.Error{Module: "pmm", Message: "RAM larger than the kernel half of the address space"}
	errBadKernelBounds = &kernel.Error{Module: "pmm", Message: "kernel image must lie above the BIOS hole"}

	log = kfmt.NewLogger("pmm")
)

type frameDesc struct {
	refCount uint32

	// owner is the kernel range this frame is mapped into, if any.
	owner mm.KernelRange

	// links of the free or used list the frame belongs to
	prev, next mm.Frame
}

// frameList is a circular doubly linked list of frame descriptors.
type frameList struct {
	head  mm.Frame
	count uint32
}

// Allocator tracks the reference count of every physical frame.
type Allocator struct {
	descs []frameDesc

	// first and last+1 frame managed by the allocator
	baseFrame, topFrame mm.Frame

	free, used frameList
}

// Setup creates the allocator for a machine with ramSize bytes of RAM and a
// kernel image occupying [kernelBase, kernelTop). Page 0 is never handed out.
// The BIOS hole, the kernel image and the frame descriptor array are marked
// as used with a reference count of 1.
//
// Setup returns the page-aligned bounds of the kernel core area: the kernel
// image followed by the descriptor array.
func Setup(ramSize, kernelBase, kernelTop uintptr) (a *Allocator, coreBase, coreTop uintptr, err *kernel.Error) {
	ramSize = mm.AlignDown(ramSize)
	if ramSize > mm.KernelSpaceTop {
		return nil, 0, 0, errRAMTooLarge
	}

	if kernelBase < mm.BIOSHoleEnd || kernelTop < kernelBase {
		return nil, 0, 0, errBadKernelBounds
	}

	frameCount := ramSize >> mm.PageShift
	coreBase = mm.AlignDown(kernelBase)
	coreTop = mm.AlignUp(kernelTop) + mm.AlignUp(frameCount*frameDescSize)
	if coreTop > ramSize {
		return nil, 0, 0, errRAMTooSmall
	}

	a = &Allocator{
		descs:     make([]frameDesc, frameCount),
		baseFrame: mm.FrameFromAddress(mm.PageSize),
		topFrame:  mm.Frame(frameCount),
		free:      frameList{head: mm.InvalidFrame},
		used:      frameList{head: mm.InvalidFrame},
	}

	for frame := a.baseFrame; frame < a.topFrame; frame++ {
		addr := frame.Address()
		switch {
		case addr >= mm.BIOSHoleStart && addr < mm.BIOSHoleEnd,
			addr >= coreBase && addr < coreTop:
			a.descs[frame].refCount = 1
			a.pushHead(&a.used, frame)
		default:
			// frames are pushed in address order so the free list head
			// holds the highest free frame.
			a.pushHead(&a.free, frame)
		}
	}

	return a, coreBase, coreTop, nil
}

// Reserve marks every free frame in [base, top) as used. It is used for
// memory-map holes reported by the boot loader.
func (a *Allocator) Reserve(base, top uintptr) {
	for frame := mm.FrameFromAddress(base); frame < mm.FrameFromAddress(mm.AlignUp(top)); frame++ {
		if frame < a.baseFrame || frame >= a.topFrame || a.descs[frame].refCount != 0 {
			continue
		}
		a.unlink(&a.free, frame)
		a.descs[frame].refCount = 1
		a.pushHead(&a.used, frame)
	}
}

// RefNew takes the frame at the head of the free list and returns it with
// a reference count of 1. Allocation never blocks; it fails immediately when
// no frame is free.
func (a *Allocator) RefNew() (mm.Frame, *kernel.Error) {
	frame := a.free.head
	if !frame.Valid() {
		return mm.InvalidFrame, errOutOfMemory
	}

	a.unlink(&a.free, frame)
	a.descs[frame].refCount = 1
	a.pushTail(&a.used, frame)
	return frame, nil
}

// RefAt adds a reference to frame. It returns true if the frame was already
// referenced; a previously free frame is moved to the used list.
func (a *Allocator) RefAt(frame mm.Frame) (bool, *kernel.Error) {
	if err := a.validate(frame); err != nil {
		return false, err
	}

	desc := &a.descs[frame]
	desc.refCount++
	if desc.refCount > 1 {
		return true, nil
	}

	a.unlink(&a.free, frame)
	a.pushTail(&a.used, frame)
	return false, nil
}

// Unref drops a reference to frame. It returns true if this was the last
// reference, in which case the frame returns to the head of the free list
// and loses its kernel range back-reference.
func (a *Allocator) Unref(frame mm.Frame) (bool, *kernel.Error) {
	if err := a.validate(frame); err != nil {
		return false, err
	}

	desc := &a.descs[frame]
	if desc.refCount == 0 {
		return false, errNotReferenced
	}

	desc.refCount--
	if desc.refCount > 0 {
		return false, nil
	}

	desc.owner = nil
	a.unlink(&a.used, frame)
	a.pushHead(&a.free, frame)
	return true, nil
}

// FrameAt converts a physical address into a frame, checking that it is page
// aligned and managed by the allocator.
func (a *Allocator) FrameAt(paddr uintptr) (mm.Frame, *kernel.Error) {
	if !mm.PageAligned(paddr) {
		return mm.InvalidFrame, errNotPageAligned
	}

	frame := mm.FrameFromAddress(paddr)
	if err := a.validate(frame); err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// RefCount returns the reference count of frame.
func (a *Allocator) RefCount(frame mm.Frame) (uint32, *kernel.Error) {
	if err := a.validate(frame); err != nil {
		return 0, err
	}
	return a.descs[frame].refCount, nil
}

// KernelRange returns the kernel range frame is mapped into.
func (a *Allocator) KernelRange(frame mm.Frame) mm.KernelRange {
	if a.validate(frame) != nil {
		return nil
	}
	return a.descs[frame].owner
}

// SetKernelRange records the kernel range frame is mapped into. The
// back-reference is dropped when the frame is freed.
func (a *Allocator) SetKernelRange(frame mm.Frame, r mm.KernelRange) *kernel.Error {
	if err := a.validate(frame); err != nil {
		return err
	}
	a.descs[frame].owner = r
	return nil
}

// State returns the number of frames managed by the allocator and the number
// of them currently in use.
func (a *Allocator) State() (total, used uint32) {
	return uint32(a.topFrame - a.baseFrame), a.used.count
}

// PrintStats logs the frame usage.
func (a *Allocator) PrintStats() {
	total, used := a.State()
	log.Printf("frames: %d total, %d used, %d free (%dKb free)\n",
		total, used, total-used, (total-used)*uint32(mm.PageSize>>10))
}

func (a *Allocator) validate(frame mm.Frame) *kernel.Error {
	if frame < a.baseFrame || frame >= a.topFrame {
		return errOutOfRange
	}
	return nil
}

func (a *Allocator) pushHead(l *frameList, frame mm.Frame) {
	a.pushTail(l, frame)
	l.head = frame
}

func (a *Allocator) pushTail(l *frameList, frame mm.Frame) {
	desc := &a.descs[frame]
	if l.count == 0 {
		desc.prev, desc.next = frame, frame
		l.head = frame
	} else {
		head := &a.descs[l.head]
		tail := head.prev
		desc.prev, desc.next = tail, l.head
		a.descs[tail].next = frame
		head.prev = frame
	}
	l.count++
}

func (a *Allocator) unlink(l *frameList, frame mm.Frame) {
	desc := &a.descs[frame]
	l.count--
	switch {
	case l.count == 0:
		l.head = mm.InvalidFrame
	default:
		a.descs[desc.prev].next = desc.next
		a.descs[desc.next].prev = desc.prev
		if l.head == frame {
			l.head = desc.next
		}
	}
	desc.prev, desc.next = mm.InvalidFrame, mm.InvalidFrame
}
