package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"testing"
)

const (
	testRAMSize     = 8 * 1024 * 1024
	testKernelBase  = uintptr(0x100000)
	testKernelTop   = uintptr(0x140123)
	testFrameCount  = testRAMSize >> 12
	testDescPages   = (testFrameCount*frameDescSize + 4095) >> 12
	testCoreTopAddr = uintptr(0x141000) + testDescPages<<12
)

type fakeRange struct{ base uintptr }

func (r *fakeRange) BaseAddress() uintptr { return r.base }
func (r *fakeRange) PageCount() uint32    { return 1 }

func setupAllocator(t *testing.T) *Allocator {
	a, coreBase, coreTop, err := Setup(testRAMSize, testKernelBase, testKernelTop)
	if err != nil {
		t.Fatal(err)
	}

	if coreBase != testKernelBase || coreTop != testCoreTopAddr {
		t.Fatalf("expected kernel core [%x, %x); got [%x, %x)", testKernelBase, testCoreTopAddr, coreBase, coreTop)
	}
	return a
}

func TestSetup(t *testing.T) {
	a := setupAllocator(t)

	total, used := a.State()
	if exp := uint32(testFrameCount - 1); total != exp {
		t.Fatalf("expected %d managed frames; got %d", exp, total)
	}

	expUsed := uint32((mm.BIOSHoleEnd-mm.BIOSHoleStart)>>12) + uint32((testCoreTopAddr-testKernelBase)>>12)
	if used != expUsed {
		t.Fatalf("expected %d used frames; got %d", expUsed, used)
	}

	specs := []struct {
		paddr       uintptr
		expRefCount uint32
	}{
		{0x1000, 0},
		{0x9f000, 0},
		{0xa0000, 1},
		{0xff000, 1},
		{testKernelBase, 1},
		{testCoreTopAddr - 0x1000, 1},
		{testCoreTopAddr, 0},
		{testRAMSize - 0x1000, 0},
	}

	for specIndex, spec := range specs {
		got, err := a.RefCount(mm.FrameFromAddress(spec.paddr))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if got != spec.expRefCount {
			t.Errorf("[spec %d] expected frame at %x to have refcount %d; got %d", specIndex, spec.paddr, spec.expRefCount, got)
		}
	}
}

func TestSetupErrors(t *testing.T) {
	specs := []struct {
		ramSize, kernelBase, kernelTop uintptr
		expErr                         *kernel.Error
	}{
		{2 * 1024 * 1024, 0x100000, 0x300000, errRAMTooSmall},
		{mm.KernelSpaceTop + mm.PageSize, 0x100000, 0x200000, errRAMTooLarge},
		{testRAMSize, 0x1000, 0x2000, errBadKernelBounds},
		{testRAMSize, 0x200000, 0x100000, errBadKernelBounds},
	}

	for specIndex, spec := range specs {
		if _, _, _, err := Setup(spec.ramSize, spec.kernelBase, spec.kernelTop); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestRefNewOrder(t *testing.T) {
	a := setupAllocator(t)

	// the free list head holds the highest free frame
	f1, err := a.RefNew()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.FrameFromAddress(testRAMSize - mm.PageSize); f1 != exp {
		t.Fatalf("expected first allocation to return frame %d; got %d", exp, f1)
	}

	f2, _ := a.RefNew()
	if f2 != f1-1 {
		t.Fatalf("expected second allocation to return frame %d; got %d", f1-1, f2)
	}

	// a freed frame is the next one handed out
	if freed, err := a.Unref(f1); err != nil || !freed {
		t.Fatalf("expected Unref to free the frame; got %t, %v", freed, err)
	}

	if f3, _ := a.RefNew(); f3 != f1 {
		t.Fatalf("expected freed frame %d to be reused; got %d", f1, f3)
	}
}

func TestRefCounting(t *testing.T) {
	a := setupAllocator(t)

	frame, err := a.RefNew()
	if err != nil {
		t.Fatal(err)
	}

	if already, err := a.RefAt(frame); err != nil || !already {
		t.Fatalf("expected RefAt on a used frame to report it was referenced; got %t, %v", already, err)
	}

	a.SetKernelRange(frame, &fakeRange{base: 0x4000})
	if a.KernelRange(frame) == nil {
		t.Fatal("expected kernel range back-reference to be recorded")
	}

	if freed, _ := a.Unref(frame); freed {
		t.Fatal("expected frame with a remaining reference to stay used")
	}

	_, usedBefore := a.State()
	if freed, _ := a.Unref(frame); !freed {
		t.Fatal("expected last Unref to free the frame")
	}

	if _, used := a.State(); used != usedBefore-1 {
		t.Fatalf("expected used count to drop to %d; got %d", usedBefore-1, used)
	}

	if a.KernelRange(frame) != nil {
		t.Fatal("expected freed frame to lose its kernel range back-reference")
	}

	if _, err := a.Unref(frame); err != errNotReferenced {
		t.Fatalf("expected errNotReferenced; got %v", err)
	}

	// referencing a free frame moves it to the used list
	if already, err := a.RefAt(frame); err != nil || already {
		t.Fatalf("expected RefAt on a free frame to return false; got %t, %v", already, err)
	}
	if _, used := a.State(); used != usedBefore {
		t.Fatalf("expected used count to be %d; got %d", usedBefore, used)
	}
}

func TestValidation(t *testing.T) {
	a := setupAllocator(t)

	specs := []struct {
		paddr  uintptr
		expErr *kernel.Error
	}{
		{0x2001, errNotPageAligned},
		{0, errOutOfRange},
		{testRAMSize, errOutOfRange},
		{0x2000, nil},
	}

	for specIndex, spec := range specs {
		if _, err := a.FrameAt(spec.paddr); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if _, err := a.RefAt(mm.Frame(0)); err != errOutOfRange {
		t.Fatalf("expected RefAt on page 0 to fail; got %v", err)
	}

	if _, err := a.Unref(mm.FrameFromAddress(testRAMSize)); err != errOutOfRange {
		t.Fatalf("expected Unref past the top of RAM to fail; got %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := setupAllocator(t)

	total, used := a.State()
	var frames []mm.Frame
	for i := uint32(0); i < total-used; i++ {
		frame, err := a.RefNew()
		if err != nil {
			t.Fatalf("unexpected error after %d allocations: %v", i, err)
		}
		frames = append(frames, frame)
	}

	if _, err := a.RefNew(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}

	// every frame must have been handed out exactly once
	seen := make(map[mm.Frame]bool)
	for _, frame := range frames {
		if seen[frame] {
			t.Fatalf("frame %d allocated twice", frame)
		}
		seen[frame] = true
	}

	for _, frame := range frames {
		a.Unref(frame)
	}

	if _, usedAfter := a.State(); usedAfter != used {
		t.Fatalf("expected used count to return to %d; got %d", used, usedAfter)
	}
}

func TestReserve(t *testing.T) {
	a := setupAllocator(t)
	_, usedBefore := a.State()

	// overlaps the BIOS hole which is already used
	a.Reserve(0x9e000, 0xa1000)

	if _, used := a.State(); used != usedBefore+2 {
		t.Fatalf("expected 2 more used frames; got %d", used-usedBefore)
	}

	if rc, _ := a.RefCount(mm.FrameFromAddress(0xa0000)); rc != 1 {
		t.Fatalf("expected already used frame to keep its refcount; got %d", rc)
	}
}
