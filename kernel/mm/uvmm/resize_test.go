package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"testing"
)

func TestResizeInPlace(t *testing.T) {
	mgr, _ := newManager(t)
	as := newAddressSpace(t, mgr, 1)
	mgr.Activate(as)

	const P = mm.PageSize
	addr, err := mgr.ZeroMap(as, testAddr+4*P, 2*P, ProtRead|ProtWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = cpu.UserStore8(addr+P, 0x11); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		newAddr, newSize uintptr
		expBounds        [2]uintptr
		expOffset        uint64
	}{
		// grow the end
		{addr, 4 * P, [2]uintptr{addr, 4 * P}, uint64(addr)},
		// shrink the end
		{addr, 3 * P, [2]uintptr{addr, 3 * P}, uint64(addr)},
		// shrink the start
		{addr + P, 2 * P, [2]uintptr{addr + P, 2 * P}, uint64(addr + P)},
		// grow the start back, offset follows
		{addr - P, 4 * P, [2]uintptr{addr - P, 4 * P}, uint64(addr - P)},
	}

	for specIndex, spec := range specs {
		a := as.FindArena(addr + P)
		got, err := mgr.Resize(as, a.start, a.size, spec.newAddr, spec.newSize, 0)
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if got != spec.newAddr {
			t.Errorf("[spec %d] expected arena at %x; got %x", specIndex, spec.newAddr, got)
		}
		expectBounds(t, as, spec.expBounds)
		if off := as.FindArena(got).Offset(); off != spec.expOffset {
			t.Errorf("[spec %d] expected offset %x; got %x", specIndex, spec.expOffset, off)
		}
	}

	if v, err := cpu.UserLoad8(addr + P); err != nil || v != 0x11 {
		t.Fatalf("expected data to survive in-place resizing; got %x, %v", v, err)
	}
	if total, _ := as.Usage(); total.Overall != 4*P || total.ReadWrite != 4*P {
		t.Fatalf("expected usage to follow the arena size; got %+v", total)
	}

	t.Run("errors", func(t *testing.T) {
		a := as.FindArena(addr)
		specs := []struct {
			oldAddr, oldSize, newAddr, newSize uintptr
			exp                                *kernel.Error
		}{
			{a.start, a.size, a.start + 1, P, errPermission},
			{a.start, a.size, a.start, 0, errPermission},
			{testAddr, P, testAddr, P, errNoArena},
			{a.start, a.size + P, a.start, P, errNoArena},
			// growing below offset 0 of the resource
			{mm.UserSpaceBase + P, P, mm.UserSpaceBase, 2 * P, errPermission},
		}

		res := NewMappedResource(ProtRead, 0, &recordingBackend{mgr: mgr})
		if _, err := mgr.Map(as, mm.UserSpaceBase+P, P, ProtRead, MapFixed, res, 0); err != nil {
			t.Fatal(err)
		}

		for specIndex, spec := range specs {
			if _, err := mgr.Resize(as, spec.oldAddr, spec.oldSize, spec.newAddr, spec.newSize, 0); err != spec.exp {
				t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, err)
			}
		}
	})
}

func TestResizeNeighbours(t *testing.T) {
	mgr, _ := newManager(t)
	as := newAddressSpace(t, mgr, 1)
	mgr.Activate(as)

	const P = mm.PageSize
	addr, err := mgr.ZeroMap(as, testAddr, P, ProtRead|ProtWrite, MapShared)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = mgr.ZeroMap(as, testAddr+P, P, ProtRead, 0); err != nil {
		t.Fatal(err)
	}
	if err = cpu.UserStore8(addr+5, 0x42); err != nil {
		t.Fatal(err)
	}
	res := as.FindArena(addr).Resource()

	if _, err = mgr.Resize(as, addr, P, addr, 2*P, 0); err != errPermission {
		t.Fatalf("expected errPermission when growing into a neighbour; got %v", err)
	}

	// with RemapMayMove the arena moves past its neighbour
	got, err := mgr.Resize(as, addr, P, addr, 3*P, RemapMayMove)
	if err != nil {
		t.Fatal(err)
	}
	if got != testAddr+2*P {
		t.Fatalf("expected the arena to move to %x; got %x", testAddr+2*P, got)
	}
	expectBounds(t, as, [2]uintptr{testAddr + P, P}, [2]uintptr{got, 3 * P})

	moved := as.FindArena(got)
	if moved.Resource() != res || moved.Offset() != uint64(addr) || !moved.Shared() {
		t.Fatal("expected the moved arena to map the same part of the same resource")
	}
	if v, err := cpu.UserLoad8(got + 5); err != nil || v != 0x42 {
		t.Fatalf("expected the written page to move along; got %x, %v", v, err)
	}
	if v, err := cpu.UserLoad8(got + P); err != nil || v != 0 {
		t.Fatalf("expected the rest of the arena to read as zero; got %x, %v", v, err)
	}
	if _, _, err = as.pdt.Lookup(addr); err == nil {
		t.Fatal("expected the old page to be unmapped")
	}
	if as.PhysTotal() != 2*P {
		t.Fatalf("expected 2 backed pages; got %d bytes", as.PhysTotal())
	}
}

func TestResizeToDisjointInterval(t *testing.T) {
	const P = mm.PageSize

	specs := []struct {
		descr   string
		delta   int
		newSize uintptr
	}{
		{"below the arena", -4, P},
		{"above the arena", 4, 2 * P},
	}

	for specIndex, spec := range specs {
		mgr, _ := newManager(t)
		as := newAddressSpace(t, mgr, 1)
		mgr.Activate(as)

		addr, err := mgr.ZeroMap(as, testAddr+8*P, 2*P, ProtRead|ProtWrite, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err = cpu.UserStore8(addr, 0x11); err != nil {
			t.Fatal(err)
		}

		newAddr := uintptr(int(addr) + spec.delta*int(P))
		got, err := mgr.Resize(as, addr, 2*P, newAddr, spec.newSize, 0)
		if err != nil {
			t.Fatalf("[spec %d: %s] %v", specIndex, spec.descr, err)
		}
		if got != newAddr {
			t.Fatalf("[spec %d: %s] expected arena at %x; got %x", specIndex, spec.descr, newAddr, got)
		}

		expectBounds(t, as, [2]uintptr{newAddr, spec.newSize})
		if off := as.FindArena(newAddr).Offset(); off != uint64(newAddr) {
			t.Errorf("[spec %d: %s] expected offset %x; got %x", specIndex, spec.descr, newAddr, off)
		}
		if total, _ := as.Usage(); total.Overall != spec.newSize || total.ReadWrite != spec.newSize {
			t.Errorf("[spec %d: %s] expected usage to match the new arena; got %+v", specIndex, spec.descr, total)
		}
		if _, _, err = as.pdt.Lookup(addr); err == nil {
			t.Errorf("[spec %d: %s] expected the old page to be unmapped", specIndex, spec.descr)
		}
		if as.PhysTotal() != 0 {
			t.Errorf("[spec %d: %s] expected no backed page; got %d bytes", specIndex, spec.descr, as.PhysTotal())
		}

		// the arena is still alive and usable
		if err = cpu.UserStore8(newAddr, 0x22); err != nil {
			t.Fatalf("[spec %d: %s] %v", specIndex, spec.descr, err)
		}
		if err = mgr.Unmap(as, newAddr, spec.newSize); err != nil {
			t.Fatalf("[spec %d: %s] %v", specIndex, spec.descr, err)
		}
		if total, _ := as.Usage(); as.ArenaCount() != 0 || total.Overall != 0 {
			t.Fatalf("[spec %d: %s] expected an empty address space; got %d arenas, %+v", specIndex, spec.descr, as.ArenaCount(), total)
		}
	}
}
