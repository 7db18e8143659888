package kfmt

// Level controls which logger output reaches the output sink.
type Level uint8

const (
	// LevelInfo prints everything.
	LevelInfo Level = iota

	// LevelQuiet only prints warnings.
	LevelQuiet
)

var logLevel = LevelInfo

// SetLevel changes the log level for all module loggers.
func SetLevel(l Level) { logLevel = l }

// Logger writes log lines for one kernel module. Every line is prefixed with
// the module name in brackets.
type Logger struct {
	w PrefixWriter
}

// NewLogger returns a logger whose lines start with "[module] ".
func NewLogger(module string) *Logger {
	return &Logger{w: PrefixWriter{Prefix: []byte("[" + module + "] ")}}
}

// Printf logs an informational message. It is suppressed at LevelQuiet.
func (l *Logger) Printf(format string, args ...interface{}) {
	if logLevel > LevelInfo {
		return
	}
	l.w.Sink = GetOutputSink()
	Fprintf(&l.w, format, args...)
}

// Warnf logs a message that is always printed.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.w.Sink = GetOutputSink()
	Fprintf(&l.w, format, args...)
}
