// Package kfmt implements the kernel's formatted output: a small Printf that
// only understands the verbs the kernel needs, an early ring buffer that keeps
// output produced before a console is attached, per-module loggers and the
// kernel panic routine.
package kfmt

import (
	"io"
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")

	// earlyPrintBuffer stores Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output. If nil, output goes to the
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer that Printf currently sends its output
// to. Output written to it before a sink is attached is buffered.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. The supported verbs are:
//
//	%s  string or byte slice
//	%d  integer, base 10
//	%x  integer, base 16 (lower-case)
//	%o  integer, base 8
//	%t  boolean
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	p := printer{w: w}
	p.format(format, args)
	p.flush()
}

// printer accumulates formatted output in a fixed buffer and hands it to the
// writer in as few Write calls as possible.
type printer struct {
	w   io.Writer
	buf [128]byte
	n   int
}

func (p *printer) writeByte(b byte) {
	if p.n == len(p.buf) {
		p.flush()
	}
	p.buf[p.n] = b
	p.n++
}

func (p *printer) writeBytes(b []byte) {
	for _, ch := range b {
		p.writeByte(ch)
	}
}

func (p *printer) pad(ch byte, count int) {
	for ; count > 0; count-- {
		p.writeByte(ch)
	}
}

func (p *printer) flush() {
	if p.n > 0 && p.w != nil {
		p.w.Write(p.buf[:p.n])
	}
	p.n = 0
}

func (p *printer) format(format string, args []interface{}) {
	argIndex := 0

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			p.writeByte(format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			p.writeBytes(errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			p.writeByte('%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			p.writeBytes(errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			p.writeBytes(errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			p.fmtInt(arg, 10, width)
		case 'x':
			p.fmtInt(arg, 16, width)
		case 'o':
			p.fmtInt(arg, 8, width)
		case 's':
			p.fmtString(arg, width)
		case 't':
			p.fmtBool(arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		p.writeBytes(errExtraArg)
	}
}

func (p *printer) fmtBool(v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		p.writeBytes(errWrongArgType)
	case b:
		p.writeBytes([]byte("true"))
	default:
		p.writeBytes([]byte("false"))
	}
}

func (p *printer) fmtString(v interface{}, width int) {
	switch s := v.(type) {
	case string:
		p.pad(' ', width-len(s))
		for i := 0; i < len(s); i++ {
			p.writeByte(s[i])
		}
	case []byte:
		p.pad(' ', width-len(s))
		p.writeBytes(s)
	default:
		p.writeBytes(errWrongArgType)
	}
}

func (p *printer) fmtInt(v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, negative = abs(int64(n))
	case int16:
		uval, negative = abs(int64(n))
	case int32:
		uval, negative = abs(int64(n))
	case int64:
		uval, negative = abs(n)
	case int:
		uval, negative = abs(int64(n))
	default:
		p.writeBytes(errWrongArgType)
		return
	}

	// digits are produced in reverse order
	var (
		digits [64]byte
		count  int
	)
	for {
		d := byte(uval % base)
		if d < 10 {
			digits[count] = '0' + d
		} else {
			digits[count] = 'a' + d - 10
		}
		count++
		if uval /= base; uval == 0 {
			break
		}
	}

	size := count
	if negative {
		size++
	}

	if base == 10 {
		p.pad(' ', width-size)
		if negative {
			p.writeByte('-')
		}
	} else {
		if negative {
			p.writeByte('-')
		}
		p.pad('0', width-size)
	}

	for count > 0 {
		count--
		p.writeByte(digits[count])
	}
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}
