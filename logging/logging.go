// Package logging provides leveled console logging for substrate components.
// The transport and registry accept an optional *Logger; delivery outcomes
// and health transitions are also observable programmatically, so logging is
// for real-time monitoring only.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Logger writes leveled log lines with an optional component name and
// correlation ID.
type Logger struct {
	mu          sync.Mutex
	output      io.Writer
	minLevel    Level
	component   string
	correlation string
}

// New creates a Logger writing to stdout at Info level.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard creates a Logger that drops everything. Used as the default when
// a component is constructed without a logger.
func Discard() *Logger {
	return &Logger{
		output:   io.Discard,
		minLevel: LevelError,
	}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:      l.output,
		minLevel:    l.minLevel,
		component:   component,
		correlation: l.correlation,
	}
}

// WithCorrelation returns a logger tagged with a correlation ID, so lines
// from one envelope chain can be grepped together.
func (l *Logger) WithCorrelation(id string) *Logger {
	return &Logger{
		output:      l.output,
		minLevel:    l.minLevel,
		component:   l.component,
		correlation: id,
	}
}

// SetLevel sets the minimum level emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message with optional key=value fields.
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs for stable output.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a line: LEVEL TIMESTAMP [component] (correlation) message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s", level, timestamp)
	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	if l.correlation != "" {
		fmt.Fprintf(&b, " (%s)", l.correlation)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	if len(fields) > 0 && fields[0] != nil {
		b.WriteString(formatFields(fields[0]))
	}
	b.WriteByte('\n')

	l.output.Write([]byte(b.String()))
}
