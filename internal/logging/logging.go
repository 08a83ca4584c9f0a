// Package logging writes structured JSON lines for the orchestrator.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type logLevel int

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
)

// Logger emits one JSON object per line. Safe for concurrent use.
type Logger struct {
	w         io.Writer
	minLevel  logLevel
	component string
	mu        sync.Mutex
}

// New returns a logger that writes JSON lines to w at or above minLevel.
// The component is stamped onto every entry.
func New(w io.Writer, minLevel, component string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		w:         w,
		minLevel:  parseLevelOrDefault(minLevel),
		component: component,
	}
}

// With returns a copy of the logger stamped with a different component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{w: l.w, minLevel: l.minLevel, component: component}
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log("debug", msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }
func (l *Logger) Error(msg string, fields map[string]interface{}) { l.log("error", msg, fields) }

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	if l == nil || l.w == nil {
		return
	}
	severity, ok := parseLogLevel(level)
	if !ok || severity < l.minLevel {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for key, value := range fields {
		if err, isErr := value.(error); isErr {
			entry[key] = err.Error()
			continue
		}
		entry[key] = value
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level
	entry["component"] = l.component
	entry["message"] = msg

	payload, err := json.Marshal(entry)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"level":"error","component":%q,"message":"log marshal failed"}`, l.component))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(append(payload, '\n'))
}

func parseLevelOrDefault(raw string) logLevel {
	parsed, ok := parseLogLevel(normalizeLogLevel(raw))
	if !ok {
		return logLevelInfo
	}
	return parsed
}

func normalizeLogLevel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseLogLevel(raw string) (logLevel, bool) {
	switch normalizeLogLevel(raw) {
	case "debug":
		return logLevelDebug, true
	case "info":
		return logLevelInfo, true
	case "warn", "warning":
		return logLevelWarn, true
	case "error":
		return logLevelError, true
	default:
		return 0, false
	}
}
