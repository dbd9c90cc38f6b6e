package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which log records are emitted.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = INFO
	out   io.Writer = os.Stderr
)

// SetLevel sets the global minimum log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// DebugCF logs a debug record for a component with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(DEBUG, component, msg, fields)
}

// InfoCF logs an info record for a component with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(INFO, component, msg, fields)
}

// WarnCF logs a warning record for a component with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(WARN, component, msg, fields)
}

// ErrorCF logs an error record for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(ERROR, component, msg, fields)
}

func emit(l Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	min := level
	w := out
	mu.RUnlock()
	if l < min {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-5s", l.String()))
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprintf("%v", fields[k]))
		}
	}
	b.WriteString("\n")

	mu.Lock()
	_, _ = io.WriteString(w, b.String())
	mu.Unlock()
}
