package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"k8s.io/klog/v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Frame-level detail (multiplex frames, GATT slots)
	DEBUG                 // Per-socket and per-advertisement events
	INFO                  // Medium state changes and rejected requests
	WARN                  // Platform failures that were swallowed
	ERROR                 // Errors
)

var (
	currentLevel LogLevel = INFO
	output       io.Writer = os.Stdout
	viaKlog      bool
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects plain log lines. Ignored while klog routing is on.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// UseKlog routes every line through klog instead of the plain writer.
func UseKlog(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	viaKlog = enabled
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	default:
		return "?????"
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	enabled := level >= currentLevel
	w := output
	k := viaKlog
	mu.RUnlock()
	if !enabled {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		msg = fmt.Sprintf("[%s %s] %s", prefix, level, msg)
	} else {
		msg = fmt.Sprintf("[%s] %s", level, msg)
	}

	if k {
		// depth 2 skips log() and the exported wrapper
		switch level {
		case ERROR:
			klog.ErrorDepth(2, msg)
		case WARN:
			klog.WarningDepth(2, msg)
		default:
			klog.InfoDepth(2, msg)
		}
		return
	}
	fmt.Fprintln(w, msg)
}

// Trace logs a trace message (frame-level detail)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (medium state changes)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
