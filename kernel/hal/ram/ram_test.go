package ram

import "testing"

func TestMemoryAccess(t *testing.T) {
	m, err := New(3*pageSize - 10)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release()

	if exp, got := uintptr(3*pageSize), m.Size(); got != exp {
		t.Fatalf("expected size to be rounded up to %d; got %d", exp, got)
	}

	m.Store32(0x100, 0xdeadbeef)
	if got := m.Load32(0x100); got != 0xdeadbeef {
		t.Fatalf("expected Load32 to return 0xdeadbeef; got %x", got)
	}

	if got := m.Load8(0x100); got != 0xef {
		t.Fatalf("expected words to be stored in little-endian order; got low byte %x", got)
	}

	m.Fill(pageSize, 0xaa, pageSize)
	for _, off := range []uintptr{0, 1, pageSize - 1} {
		if got := m.Load8(pageSize + off); got != 0xaa {
			t.Fatalf("expected filled byte at offset %d to be 0xaa; got %x", off, got)
		}
	}
	if got := m.Load8(2 * pageSize); got != 0 {
		t.Fatalf("expected Fill to stop at the end of the block; got %x", got)
	}
}

func TestRelease(t *testing.T) {
	m, err := New(pageSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(); err != nil {
		t.Fatal(err)
	}

	if err := m.Release(); err != nil {
		t.Fatalf("expected second Release to be a no-op; got %v", err)
	}

	if m.Size() != 0 {
		t.Fatal("expected released memory to report a zero size")
	}
}
