// Command mmshell boots the memory manager on a synthetic PC and lets the
// user poke at the address space of a single process one key at a time.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gophermm/kernel/cpu"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/core"

	tty "github.com/mattn/go-tty"
)

var (
	script  = flag.String("script", "", "run the given keys instead of reading the terminal")
	ramMb   = flag.Uint("ram", 16, "RAM size in Mb")
	cmdLine = flag.String("cmdline", "", "kernel command line")

	kernelImage = core.Image{
		Start:       0x100000,
		End:         0x180000,
		StackBottom: 0x110000,
		StackTop:    0x114000,
	}
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmshell] error: %s\n", err.Error())
	os.Exit(1)
}

// bootInfo describes a PC with the usual holes below 1Mb.
func bootInfo(ramSize uint64, cmdLine string) []byte {
	var b multiboot.Builder
	b.AddMemoryRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemoryRegion(0x9fc00, 0x400, multiboot.MemReserved).
		AddMemoryRegion(0xf0000, 0x10000, multiboot.MemReserved).
		AddMemoryRegion(0x100000, ramSize-0x100000, multiboot.MemAvailable).
		SetCmdLine(cmdLine)
	return b.Bytes()
}

// newlineWriter translates line feeds for a terminal in raw mode.
type newlineWriter struct {
	w io.Writer
}

func (w newlineWriter) Write(p []byte) (int, error) {
	if _, err := w.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func touch(addr uintptr, write bool) error {
	if write {
		if err := cpu.UserStore8(addr, 0xaa); err != nil {
			return err
		}
		return nil
	}

	if _, err := cpu.UserLoad8(addr); err != nil {
		return err
	}
	return nil
}

func boot(out io.Writer) (*core.System, error) {
	if *ramMb < 2 || *ramMb > uint(mm.KernelSpaceTop>>20) {
		return nil, errors.New("RAM size must be between 2Mb and 1024Mb")
	}

	kfmt.SetOutputSink(out)
	sys, err := core.Setup(bootInfo(uint64(*ramMb)<<20, *cmdLine), kernelImage)
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// runScript feeds the keys of keys to the shell and stops at the first quit.
func runScript(sh *shell, keys string) {
	for _, key := range keys {
		fmt.Fprintf(sh.out, "> %c\n", key)
		if !sh.handleKey(key) {
			return
		}
	}
}

func runInteractive(sh *shell, t *tty.TTY) error {
	restore, err := t.Raw()
	if err != nil {
		return err
	}
	defer func() { _ = restore() }()

	sh.help()
	for {
		key, err := t.ReadRune()
		if err != nil {
			return err
		}
		if !sh.handleKey(key) {
			return nil
		}
	}
}

func main() {
	flag.Parse()

	var (
		out io.Writer = os.Stdout
		t   *tty.TTY
		err error
	)

	if *script == "" {
		if t, err = tty.Open(); err != nil {
			exit(err)
		}
		defer func() { _ = t.Close() }()
		out = newlineWriter{t.Output()}
	}

	sys, err := boot(out)
	if err != nil {
		exit(err)
	}
	defer func() { _ = sys.Release() }()

	sh, err := newShell(sys, out)
	if err != nil {
		exit(err)
	}

	if *script != "" {
		runScript(sh, *script)
		return
	}

	if err = runInteractive(sh, t); err != nil {
		exit(err)
	}
}
