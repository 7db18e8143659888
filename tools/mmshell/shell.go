package main

import (
	"fmt"
	"io"

	"gophermm/kernel/mm"
	"gophermm/kernel/mm/core"
	"gophermm/kernel/mm/uvmm"
)

const (
	// pages per arena created by the map command
	mapPages = 4

	mapBase  = mm.UserSpaceBase + 0x400000
	heapBase = mm.UserSpaceBase + 0x10000000

	userRW = uvmm.ProtRead | uvmm.ProtWrite | uvmm.ProtUser
)

// shell runs single-key commands against the address space of one process.
type shell struct {
	sys *core.System
	as  *uvmm.AddressSpace
	out io.Writer

	// the arena targeted by unmap and by the fault commands
	lastAddr, lastSize uintptr
	touched            uintptr
	private            bool
}

func newShell(sys *core.System, out io.Writer) (*shell, error) {
	as, err := sys.UVM.CreateAddressSpace(1)
	if err != nil {
		return nil, err
	}
	sys.UVM.Activate(as)
	sys.UVM.InitHeap(as, heapBase)

	return &shell{sys: sys, as: as, out: out}, nil
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, "m: map    u: unmap middle page    r/w: read/write fault")
	fmt.Fprintln(sh.out, "b: brk    s: statistics           q: quit")
}

// handleKey runs the command bound to key. It returns false once the shell
// should exit.
func (sh *shell) handleKey(key rune) bool {
	switch key {
	case 'm':
		sh.doMap()
	case 'u':
		sh.doUnmap()
	case 'r', 'w':
		sh.doFault(key == 'w')
	case 'b':
		sh.doBrk()
	case 's':
		sh.sys.PrintStats()
	case 'q':
		return false
	case '?', 'h':
		sh.help()
	case '\r', '\n', ' ':
	default:
		fmt.Fprintf(sh.out, "unknown command %q\n", key)
	}
	return true
}

// doMap alternates between private and shared zero-filled arenas.
func (sh *shell) doMap() {
	flags := uvmm.MapShared
	if sh.private {
		flags = 0
	}
	sh.private = !sh.private

	addr, err := sh.sys.UVM.ZeroMap(sh.as, mapBase, mapPages*mm.PageSize, userRW, flags)
	if err != nil {
		fmt.Fprintf(sh.out, "map: %s\n", err.Error())
		return
	}

	sh.lastAddr, sh.lastSize, sh.touched = addr, mapPages*mm.PageSize, 0
	fmt.Fprintf(sh.out, "mapped [0x%08x, 0x%08x) shared=%t\n", addr, addr+sh.lastSize, flags&uvmm.MapShared != 0)
}

func (sh *shell) doUnmap() {
	if sh.lastSize == 0 {
		fmt.Fprintln(sh.out, "unmap: nothing mapped")
		return
	}

	addr := sh.lastAddr + mm.AlignDown(sh.lastSize/2)
	if err := sh.sys.UVM.Unmap(sh.as, addr, mm.PageSize); err != nil {
		fmt.Fprintf(sh.out, "unmap: %s\n", err.Error())
		return
	}

	fmt.Fprintf(sh.out, "unmapped 0x%08x, %d arenas left\n", addr, sh.as.ArenaCount())
	sh.lastSize, sh.touched = addr-sh.lastAddr, 0
}

// doFault touches the pages of the last arena in turn.
func (sh *shell) doFault(write bool) {
	if sh.lastSize == 0 {
		fmt.Fprintln(sh.out, "fault: nothing mapped")
		return
	}

	addr := sh.lastAddr + sh.touched
	sh.touched = (sh.touched + mm.PageSize) % sh.lastSize

	pageIns, invalid := sh.as.FaultCounts()
	if err := touch(addr, write); err != nil {
		fmt.Fprintf(sh.out, "fault at 0x%08x: %s\n", addr, err.Error())
		return
	}
	newPageIns, newInvalid := sh.as.FaultCounts()
	fmt.Fprintf(sh.out, "touched 0x%08x write=%t: %d page-ins, %d invalid faults\n",
		addr, write, newPageIns-pageIns, newInvalid-invalid)
}

func (sh *shell) doBrk() {
	start, size := sh.as.Heap()
	top := sh.sys.UVM.Brk(sh.as, start+size+mm.PageSize)
	if top == 0 {
		fmt.Fprintln(sh.out, "brk: failed")
		return
	}

	start, size = sh.as.Heap()
	fmt.Fprintf(sh.out, "heap [0x%08x, 0x%08x)\n", start, start+size)
}
