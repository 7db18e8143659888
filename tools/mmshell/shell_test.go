package main

import (
	"bytes"
	"strings"
	"testing"

	"gophermm/kernel/kfmt"
)

func TestScript(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetLevel(kfmt.LevelInfo)
	}()

	var buf bytes.Buffer
	*cmdLine = "log=quiet"
	defer func() { *cmdLine = "" }()

	sys, err := boot(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sys.Release() }()

	sh, err := newShell(sys, &buf)
	if err != nil {
		t.Fatal(err)
	}

	runScript(sh, "uwmwrwubxsqm")

	out := buf.String()
	for specIndex, exp := range []string{
		"unmap: nothing mapped",
		"fault: nothing mapped",
		"mapped [0x40400000, 0x40404000) shared=true",
		"touched 0x40400000 write=true: 1 page-ins, 0 invalid faults",
		"touched 0x40401000 write=false: 1 page-ins, 0 invalid faults",
		"touched 0x40402000 write=true: 1 page-ins, 0 invalid faults",
		"unmapped 0x40402000, 2 arenas left",
		"heap [0x50000000, 0x50001000)",
		"unknown command 'x'",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, exp, out)
		}
	}

	// keys after q are ignored
	if strings.Count(out, "mapped [") != 1 {
		t.Fatalf("expected the script to stop at q; got:\n%s", out)
	}
}

func TestNewlineWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newlineWriter{&buf}

	n, err := w.Write([]byte("a\nb\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected to report 4 bytes written; got %d", n)
	}
	if got := buf.String(); got != "a\r\nb\r\n" {
		t.Fatalf("expected line feeds to be translated; got %q", got)
	}
}
