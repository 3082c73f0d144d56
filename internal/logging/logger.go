// Package logging provides the terminal logger shared by every mcp-inspect
// component: coloured levels, a verbose switch and optional JSON-RPC tracing.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger writes human-oriented log lines. A nil *Logger discards everything.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a logger writing to stderr.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return NewLoggerWithWriter(false, false, false, io.Discard)
}

// SetVerbose toggles verbose output.
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

// Verbose reports whether verbose output is enabled.
func (l *Logger) Verbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// SetWriter redirects all further output to w.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

// Writer returns the current output writer.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

func (l *Logger) log(color, symbol, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}

	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s[%s]%s %s%s %s%s\n", colorGray, ts, colorReset, color, symbol, msg, colorReset)
		return
	}
	fmt.Fprintf(l.writer, "[%s] %s %s\n", ts, symbol, msg)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(colorBlue, "ℹ", format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(colorGreen, "✓", format, args...)
}

// Warning logs a warning.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(colorYellow, "⚠", format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(colorRed, "✗", format, args...)
}

// Debug logs only in verbose mode.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.log(colorGray, "·", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Info(format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Warning(format, args...)
}

// Infof and Errorf make the Logger usable as an mcp-go util.Logger. Library
// chatter is only shown in verbose mode.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Debug(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.WarningVerbose(format, args...)
}

// Request logs an outgoing JSON-RPC request. Params are dumped in JSON-RPC mode.
func (l *Logger) Request(method string, params interface{}) {
	l.trace("→", "REQUEST", method, params)
}

// Response logs an incoming JSON-RPC response.
func (l *Logger) Response(method string, result interface{}) {
	l.trace("←", "RESPONSE", method, result)
}

// Notification logs an incoming JSON-RPC notification.
func (l *Logger) Notification(method string, params interface{}) {
	l.trace("⚡", "NOTIFICATION", method, params)
}

func (l *Logger) trace(symbol, kind, method string, payload interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	jsonRPC := l.jsonRPCMode
	l.mu.Unlock()

	if !jsonRPC {
		l.log(colorCyan, symbol, "%s %s", kind, method)
		return
	}
	l.log(colorCyan, symbol, "%s %s\n%s", kind, method, PrettyJSON(payload))
}

// PrettyJSON renders v as indented JSON, falling back to %+v.
func PrettyJSON(v interface{}) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
