// Package core brings up the memory manager from the information handed over
// by the boot loader. Each layer is built on top of the previous one:
//
//	pmm      physical frames
//	vmm      page directories and the page-fault handler
//	kmem     kernel ranges and slab caches
//	kmalloc  size-class allocator
//	uvmm     user address spaces
//
// The machine is hosted: Setup maps a block of RAM as large as the memory map
// reports and attaches the CPU to it.
package core

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/hal/ram"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kmalloc"
	"gophermm/kernel/mm/kmem"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/uvmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
	"sort"
)

var (
	errRAMTooSmall      = &kernel.Error{Module: "core", Message: "RAM too small"}
	errKernelOutsideRAM = &kernel.Error{Module: "core", Message: "kernel image out of RAM"}
	errRAMUnavailable   = &kernel.Error{Module: "core", Message: "unable to map physical memory"}

	log = kfmt.NewLogger("core")

	// overridden by tests
	newRAMFn = ram.New
)

// Image describes where the boot loader placed the kernel image and the
// bootstrap stack. The stack bounds must be page aligned.
type Image struct {
	Start, End            uintptr
	StackBottom, StackTop uintptr
}

// System holds every layer of the memory manager.
type System struct {
	lock sync.IRQLock
	ram  *ram.Memory

	Frames  *pmm.Allocator
	Pages   *vmm.Driver
	Kmem    *kmem.Allocator
	Kmalloc *kmalloc.Allocator
	UVM     *uvmm.Manager
}

// region is an available memory region with page-aligned bounds.
type region struct {
	base, top uintptr
}

// Setup decodes the multiboot information block in info and builds the memory
// manager for the machine it describes. The following command line arguments
// are recognized:
//
//	kmalloc=off  kmalloc serves every request with whole pages
//	log=quiet    only warnings are logged
func Setup(info []byte, img Image) (*System, *kernel.Error) {
	multiboot.SetInfo(info)

	cmdLine := multiboot.GetBootCmdLine()
	if cmdLine["log"] == "quiet" {
		kfmt.SetLevel(kfmt.LevelQuiet)
	} else {
		kfmt.SetLevel(kfmt.LevelInfo)
	}

	available, ramTop := availableRegions()
	if ramTop <= mm.BIOSHoleEnd {
		return nil, errRAMTooSmall
	}
	if ramTop > mm.KernelSpaceTop {
		log.Warnf("ignoring memory above 0x%x\n", mm.KernelSpaceTop)
		ramTop = mm.KernelSpaceTop
	}
	if img.Start < mm.BIOSHoleEnd || img.End < img.Start || img.End > ramTop {
		return nil, errKernelOutsideRAM
	}
	printMemoryMap(img)

	m, err := newRAMFn(ramTop)
	if err != nil {
		log.Warnf("unable to map %d bytes of RAM: %s\n", uint64(ramTop), err.Error())
		return nil, errRAMUnavailable
	}

	s := &System{ram: m}
	if kerr := s.init(available, ramTop, img, cmdLine["kmalloc"] != "off"); kerr != nil {
		_ = m.Release()
		return nil, kerr
	}

	return s, nil
}

func (s *System) init(available []region, ramTop uintptr, img Image, sizeClasses bool) *kernel.Error {
	cpu.Attach(s.ram)
	gate.Init()

	frames, coreBase, coreTop, err := pmm.Setup(ramTop, img.Start, img.End)
	if err != nil {
		return err
	}
	s.Frames = frames

	// frames not covered by an available region are never handed out
	next := uintptr(0)
	for _, r := range available {
		if r.base > next {
			frames.Reserve(next, r.base)
		}
		if r.top > next {
			next = r.top
		}
	}

	if s.Pages, err = vmm.Setup(frames, ramTop); err != nil {
		return err
	}

	if s.Kmem, err = kmem.Setup(&s.lock, frames, s.Pages, kmem.Layout{
		CoreBase:    coreBase,
		CoreTop:     coreTop,
		StackBottom: img.StackBottom,
		StackTop:    img.StackTop,
	}); err != nil {
		return err
	}

	if sizeClasses {
		if s.Kmalloc, err = kmalloc.Setup(s.Kmem); err != nil {
			return err
		}
	} else {
		s.Kmalloc = kmalloc.SetupPageOnly(s.Kmem)
	}

	if s.UVM, err = uvmm.Setup(&s.lock, frames, s.Pages, s.Kmem, s.Kmalloc); err != nil {
		return err
	}

	total, used := frames.State()
	log.Printf("memory manager ready: %d/%d frames in use\n", used, total)
	return nil
}

// Lock returns the lock shared by every layer of the memory manager.
func (s *System) Lock() *sync.IRQLock {
	return &s.lock
}

// PrintStats logs the statistics of every layer.
func (s *System) PrintStats() {
	s.Frames.PrintStats()
	s.Kmem.PrintStats()
	if as := s.UVM.Current(); as != nil {
		as.PrintStats()
	}
}

// Release unmaps the physical memory of the machine.
func (s *System) Release() error {
	return s.ram.Release()
}

// availableRegions returns the page-aligned available regions in address
// order and the top of RAM, the end of the highest available region.
func availableRegions() ([]region, uintptr) {
	var (
		regions []region
		ramTop  uintptr
	)

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		// only the 32-bit part of the map is reachable
		base, top := entry.PhysAddress, entry.PhysAddress+entry.Length
		if base > uint64(mm.MaxAddress) {
			return true
		}
		if top > uint64(mm.MaxAddress)+1 {
			top = uint64(mm.MaxAddress) + 1
		}

		r := region{
			base: mm.AlignUp(uintptr(base)),
			top:  mm.AlignDown(uintptr(top)),
		}
		if r.top <= r.base {
			return true
		}

		regions = append(regions, r)
		if r.top > ramTop {
			ramTop = r.top
		}
		return true
	})

	sort.Slice(regions, func(i, j int) bool { return regions[i].base < regions[j].base })
	return regions, ramTop
}

// printMemoryMap prints the memory map reported by the boot loader.
func printMemoryMap(img Image) {
	log.Printf("system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		log.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length, entry.Type.String())

		if entry.Type == multiboot.MemAvailable {
			totalFree += mm.Size(entry.Length)
		}
		return true
	})
	log.Printf("available memory: %dKb\n", uint64(totalFree/mm.Kb))
	log.Printf("kernel loaded at 0x%x - 0x%x\n", img.Start, img.End)
}
