package uvmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"testing"
)

func TestUnmapEdges(t *testing.T) {
	mgr, _ := newManager(t)
	as := newAddressSpace(t, mgr, 1)
	mgr.Activate(as)

	const P = mm.PageSize
	backend := &recordingBackend{mgr: mgr}
	res := NewMappedResource(ProtRead|ProtWrite, 0, backend)

	if _, err := mgr.Map(as, testAddr, 6*P, ProtRead|ProtWrite, MapFixed, res, 0x10000); err != nil {
		t.Fatal(err)
	}
	for addr := testAddr; addr < testAddr+6*P; addr += P {
		if err := cpu.UserStore8(addr, 1); err != nil {
			t.Fatal(err)
		}
	}
	if as.PhysTotal() != 6*P {
		t.Fatalf("expected 6 pages to be backed; got %d bytes", as.PhysTotal())
	}

	t.Run("start", func(t *testing.T) {
		if err := mgr.Unmap(as, testAddr-P, 2*P); err != nil {
			t.Fatal(err)
		}
		expectBounds(t, as, [2]uintptr{testAddr + P, 5 * P})
		if got := as.FindArena(testAddr + P).Offset(); got != 0x10000+uint64(P) {
			t.Fatalf("expected offset to move with the start; got %x", got)
		}
		if last := backend.unmaps[len(backend.unmaps)-1]; last != [2]uintptr{testAddr, P} {
			t.Fatalf("expected the backend to be told about [%x, +%x); got %x", testAddr, P, last)
		}
	})

	t.Run("end", func(t *testing.T) {
		if err := mgr.Unmap(as, testAddr+5*P, 3*P); err != nil {
			t.Fatal(err)
		}
		expectBounds(t, as, [2]uintptr{testAddr + P, 4 * P})
	})

	t.Run("split", func(t *testing.T) {
		refs := backend.refs
		if err := mgr.Unmap(as, testAddr+2*P, P); err != nil {
			t.Fatal(err)
		}
		expectBounds(t, as, [2]uintptr{testAddr + P, P}, [2]uintptr{testAddr + 3*P, 2 * P})
		if got := as.FindArena(testAddr + 3*P).Offset(); got != 0x10000+3*uint64(P) {
			t.Fatalf("expected the second half to keep its offset; got %x", got)
		}
		if backend.refs != refs+1 {
			t.Fatal("expected the new arena to be referenced")
		}
	})

	if as.PhysTotal() != 3*P {
		t.Fatalf("expected 3 pages to be backed; got %d bytes", as.PhysTotal())
	}
	if _, _, err := as.pdt.Lookup(testAddr + 2*P); err == nil {
		t.Fatal("expected the unmapped page to be gone from the page table")
	}

	t.Run("span", func(t *testing.T) {
		if err := mgr.Unmap(as, testAddr, 8*P); err != nil {
			t.Fatal(err)
		}
		expectBounds(t, as)
		if backend.refs != backend.unrefs {
			t.Fatalf("expected every arena to be released; got %d refs and %d unrefs", backend.refs, backend.unrefs)
		}
		if as.PhysTotal() != 0 {
			t.Fatalf("expected no backed page; got %d bytes", as.PhysTotal())
		}
	})

	t.Run("errors", func(t *testing.T) {
		specs := []struct {
			addr, size uintptr
			exp        *kernel.Error
		}{
			{testAddr + 1, P, errPermission},
			{testAddr, 0, errPermission},
			{mm.KernelSpaceTop - P, P, errInvalidAddress},
			{mm.UserSpaceTop + 1 - P, 2 * P, errInvalidAddress},
		}

		for specIndex, spec := range specs {
			if err := mgr.Unmap(as, spec.addr, spec.size); err != spec.exp {
				t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, err)
			}
		}
	})
}

func TestSplitAndMergeScenario(t *testing.T) {
	mgr, mach := newManager(t)
	as := newAddressSpace(t, mgr, 1)
	mgr.Activate(as)

	const P = mm.PageSize
	addr, err := mgr.ZeroMap(as, testAddr, 3*P, ProtRead|ProtWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	res := as.FindArena(addr).Resource()
	z := res.backend.(*zeroResource)

	if err = mgr.Unmap(as, addr+P, P); err != nil {
		t.Fatal(err)
	}
	expectBounds(t, as, [2]uintptr{addr, P}, [2]uintptr{addr + 2*P, P})
	if z.refCount != 2 {
		t.Fatalf("expected both halves to reference the resource; got %d", z.refCount)
	}

	t.Run("halves are independent", func(t *testing.T) {
		for _, page := range []uintptr{addr, addr + 2*P} {
			if err := cpu.UserStore8(page, 0x7f); err != nil {
				t.Fatal(err)
			}
		}
		if err := cpu.UserStore8(addr+P, 0x7f); err != cpu.ErrPageFault {
			t.Fatalf("expected the hole to fault; got %v", err)
		}
	})

	// filling the gap with the same resource restores a single arena
	got, err := mgr.Map(as, addr+P, P, ProtRead|ProtWrite, MapFixed, res, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr+P {
		t.Fatalf("expected the gap to be mapped at %x; got %x", addr+P, got)
	}
	expectBounds(t, as, [2]uintptr{addr, 3 * P})
	if a := as.FindArena(addr); a.Offset() != uint64(addr) {
		t.Fatalf("expected the merged arena to keep offset %x; got %x", addr, a.Offset())
	}
	if z.refCount != 1 {
		t.Fatalf("expected a single arena to reference the resource; got %d", z.refCount)
	}

	// the pages written before the merge are still there
	for _, page := range []uintptr{addr, addr + 2*P} {
		if v, err := cpu.UserLoad8(page); err != nil || v != 0x7f {
			t.Fatalf("[%x] expected to read back 0x7f; got %x, %v", page, v, err)
		}
	}

	t.Run("unmap pieces", func(t *testing.T) {
		var written []mm.Frame
		for _, page := range []uintptr{addr, addr + 2*P} {
			frame, _, err := as.pdt.Lookup(page)
			if err != nil {
				t.Fatal(err)
			}
			written = append(written, frame)
		}

		for _, page := range []uintptr{addr + P, addr, addr + 2*P} {
			if err := mgr.Unmap(as, page, P); err != nil {
				t.Fatal(err)
			}
			checkArenas(t, as)
		}
		expectBounds(t, as)

		for _, frame := range written {
			if count, _ := mach.frames.RefCount(frame); count != 0 {
				t.Fatalf("expected frame %x to be released; refcount %d", frame.Address(), count)
			}
		}
		if z.refCount != 0 || z.pages != nil {
			t.Fatal("expected the resource to be released")
		}
	})
}
