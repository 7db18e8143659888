package multiboot

import (
	"testing"
)

func TestVisitMemRegions(t *testing.T) {
	specs := []MemoryMapEntry{
		{0, 0x9fc00, MemAvailable},
		{0x9fc00, 0x400, MemReserved},
		{0xf0000, 0x10000, MemReserved},
		{0x100000, 0x7ee0000, MemAvailable},
		{0x7fe0000, 0x20000, MemoryEntryType(42)},
	}

	var b Builder
	for _, spec := range specs {
		b.AddMemoryRegion(spec.PhysAddress, spec.Length, spec.Type)
	}
	SetInfo(b.Bytes())
	defer SetInfo(nil)

	var visitCount int
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Fatal("expected visitor not to be invoked again after returning false")
	}

	visitCount = 0
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		exp := specs[visitCount]
		if exp.Type >= memUnknown {
			exp.Type = MemReserved
		}

		if *entry != exp {
			t.Errorf("[visit %d] expected entry %+v; got %+v", visitCount, exp, *entry)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Fatalf("expected visitor to be invoked %d times; got %d", len(specs), visitCount)
	}
}

func TestVisitMemRegionsWithoutMemoryMap(t *testing.T) {
	SetInfo((&Builder{}).SetCmdLine("foo").Bytes())
	defer SetInfo(nil)

	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		t.Fatal("expected visitor not to be invoked")
		return false
	})
}

func TestGetBootCmdLine(t *testing.T) {
	SetInfo((&Builder{}).SetCmdLine("kmalloc=off  log=quiet debug").AddMemoryRegion(0, 4096, MemAvailable).Bytes())
	defer SetInfo(nil)

	cmdLine := GetBootCmdLine()
	exp := map[string]string{"kmalloc": "off", "log": "quiet", "debug": ""}

	if len(cmdLine) != len(exp) {
		t.Fatalf("expected %d arguments; got %v", len(exp), cmdLine)
	}

	for k, v := range exp {
		if got, ok := cmdLine[k]; !ok || got != v {
			t.Errorf("expected argument %q to be %q; got %q", k, v, got)
		}
	}
}

func TestMalformedInfo(t *testing.T) {
	specs := [][]byte{
		nil,
		{1, 2, 3},
		// total size larger than the data; tag size smaller than a header
		{0xff, 0, 0, 0, 0, 0, 0, 0, 6, 0, 0, 0, 4, 0, 0, 0},
	}

	defer SetInfo(nil)
	for specIndex, spec := range specs {
		SetInfo(spec)
		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			t.Errorf("[spec %d] expected visitor not to be invoked", specIndex)
			return false
		})

		if got := GetBootCmdLine(); len(got) != 0 {
			t.Errorf("[spec %d] expected empty command line; got %v", specIndex, got)
		}
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	for specIndex, spec := range []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	} {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected MemoryEntryType(%d).String() to return %q; got %q", specIndex, spec.input, spec.exp, got)
		}
	}
}
