package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
	"gophermm/kernel/hal/ram"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kmalloc"
	"gophermm/kernel/mm/kmem"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
	"testing"
)

const (
	testRAMSize = 16 * 1024 * 1024

	// a page-table aligned address well inside user space
	testAddr = mm.UserSpaceBase + 0x800000
)

type testMachine struct {
	frames *pmm.Allocator
	drv    *vmm.Driver
	kmem   *kmem.Allocator
	lock   sync.IRQLock
}

func newManager(t *testing.T) (*Manager, *testMachine) {
	m, err := ram.New(testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Release() })

	cpu.Attach(m)
	gate.Init()

	mach := new(testMachine)
	frames, coreBase, coreTop, kerr := pmm.Setup(testRAMSize, 0x100000, 0x180000)
	if kerr != nil {
		t.Fatal(kerr)
	}
	mach.frames = frames

	if mach.drv, kerr = vmm.Setup(frames, testRAMSize); kerr != nil {
		t.Fatal(kerr)
	}

	mach.kmem, kerr = kmem.Setup(&mach.lock, frames, mach.drv, kmem.Layout{
		CoreBase:    coreBase,
		CoreTop:     coreTop,
		StackBottom: coreBase + 0x10000,
		StackTop:    coreBase + 0x14000,
	})
	if kerr != nil {
		t.Fatal(kerr)
	}

	blocks, kerr := kmalloc.Setup(mach.kmem)
	if kerr != nil {
		t.Fatal(kerr)
	}

	mgr, kerr := Setup(&mach.lock, frames, mach.drv, mach.kmem, blocks)
	if kerr != nil {
		t.Fatal(kerr)
	}
	return mgr, mach
}

func newAddressSpace(t *testing.T, mgr *Manager, pid ProcessID) *AddressSpace {
	as, err := mgr.CreateAddressSpace(pid)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

// checkArenas verifies that the arenas of as are sorted, do not overlap and
// are linked into their resources.
func checkArenas(t *testing.T, as *AddressSpace) {
	t.Helper()

	var (
		prev  *Arena
		count int
	)
	as.Arenas(func(a *Arena) {
		count++
		if a.size == 0 || !mm.PageAligned(a.start) || !mm.PageAligned(a.size) {
			t.Fatalf("malformed arena [%x, +%x)", a.start, a.size)
		}
		if a.start < mm.UserSpaceBase || a.end()-1 > mm.UserSpaceTop {
			t.Fatalf("arena [%x, %x) outside of user space", a.start, a.end())
		}
		if prev != nil && prev.end() > a.start {
			t.Fatalf("arena [%x, %x) overlaps [%x, %x)", prev.start, prev.end(), a.start, a.end())
		}
		if a.as != as {
			t.Fatalf("arena [%x, %x) points to another address space", a.start, a.end())
		}

		linked := false
		a.resource.Arenas(func(other *Arena) { linked = linked || other == a })
		if !linked {
			t.Fatalf("arena [%x, %x) missing from its resource", a.start, a.end())
		}
		prev = a
	})

	if count != as.ArenaCount() {
		t.Fatalf("expected %d arenas; counted %d", as.ArenaCount(), count)
	}
}

func arenaBounds(as *AddressSpace) [][2]uintptr {
	var bounds [][2]uintptr
	as.Arenas(func(a *Arena) { bounds = append(bounds, [2]uintptr{a.start, a.size}) })
	return bounds
}

func expectBounds(t *testing.T, as *AddressSpace, exp ...[2]uintptr) {
	t.Helper()
	checkArenas(t, as)

	got := arenaBounds(as)
	if len(got) != len(exp) {
		t.Fatalf("expected arenas %x; got %x", exp, got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected arenas %x; got %x", exp, got)
		}
	}
}

// recordingBackend is a resource backend that logs the callbacks it
// receives and maps a fresh frame on every fault.
type recordingBackend struct {
	mgr    *Manager
	refs   int
	unrefs int
	unmaps [][2]uintptr
	faults []uintptr

	noPageErr *kernel.Error
}

func (b *recordingBackend) Mmap(*Arena) (ArenaOps, *kernel.Error) { return b, nil }
func (b *recordingBackend) Ref(*Arena)                            { b.refs++ }
func (b *recordingBackend) Unref(*Arena)                          { b.unrefs++ }
func (b *recordingBackend) Unmap(_ *Arena, addr, size uintptr) {
	b.unmaps = append(b.unmaps, [2]uintptr{addr, size})
}

func (b *recordingBackend) NoPage(a *Arena, addr uintptr, write bool) *kernel.Error {
	b.faults = append(b.faults, addr)
	if b.noPageErr != nil {
		return b.noPageErr
	}

	frame, err := b.mgr.frames.RefNew()
	if err != nil {
		return err
	}
	defer func() { _, _ = b.mgr.frames.Unref(frame) }()
	return a.as.pdt.Map(mm.PageFromAddress(addr&^(mm.PageSize-1)), frame, a.pageFlags())
}

func TestSetup(t *testing.T) {
	mgr, mach := newManager(t)

	names := map[string]bool{}
	mach.kmem.Caches(func(c *kmem.Cache) { names[c.Name()] = true })
	for _, name := range []string{"address space structures", "arena structures", "page tables", "shared anonymous mappings"} {
		if !names[name] {
			t.Errorf("expected cache %q to be registered", name)
		}
	}

	if mgr.Current() != nil {
		t.Fatal("expected no active address space")
	}

	// faults in user space reach the manager
	if err := mgr.LazyPageIn(testAddr, false, true); err != errFaultNotResolved {
		t.Fatalf("expected errFaultNotResolved; got %v", err)
	}
}

func TestAddressSpaceLifecycle(t *testing.T) {
	mgr, mach := newManager(t)

	as := newAddressSpace(t, mgr, 1)
	if _, err := mgr.CreateAddressSpace(1); err != errAddressSpaceUsed {
		t.Fatalf("expected errAddressSpaceUsed; got %v", err)
	}
	if mgr.AddressSpaceOf(1) != as || mgr.AddressSpaceOf(2) != nil {
		t.Fatal("expected the address space to be registered for its process")
	}
	if as.PID() != 1 {
		t.Fatalf("expected pid 1; got %d", as.PID())
	}

	mgr.Activate(as)
	if mgr.Current() != as || mach.drv.ActivePDT() != as.Directory() {
		t.Fatal("expected the address space to be active")
	}

	addr, err := mgr.ZeroMap(as, testAddr, 2*mm.PageSize, ProtRead|ProtWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = cpu.UserStore8(addr, 0x42); err != nil {
		t.Fatal(err)
	}
	frame, _, err := as.pdt.Lookup(addr)
	if err != nil {
		t.Fatal(err)
	}
	if as.TableCount() != 1 {
		t.Fatalf("expected one tracked page table; got %d", as.TableCount())
	}
	pdtFrame := as.Directory().Frame()

	if err = mgr.DeleteAddressSpace(as); err != nil {
		t.Fatal(err)
	}

	if mgr.Current() != nil || mach.drv.ActivePDT() != mach.drv.KernelPDT() {
		t.Fatal("expected the kernel directory to be active")
	}
	if mgr.AddressSpaceOf(1) != nil {
		t.Fatal("expected the address space to be unregistered")
	}
	for _, f := range []mm.Frame{frame, pdtFrame} {
		if count, _ := mach.frames.RefCount(f); count != 0 {
			t.Errorf("expected frame %x to be released; refcount %d", f.Address(), count)
		}
	}
	if as.PhysTotal() != 0 || as.ArenaCount() != 0 {
		t.Fatalf("expected no mapped memory left; got %d bytes, %d arenas", as.PhysTotal(), as.ArenaCount())
	}

	// the process id can be reused
	newAddressSpace(t, mgr, 1)
}
