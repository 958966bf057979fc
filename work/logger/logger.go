package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// LogLevel orders message severities from most to least verbose.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// current holds the process-wide log level. Atomic so handlers and the
// refresh loop can log without taking a lock.
var current atomic.Int32

func init() {
	current.Store(int32(INFO))
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO
// for anything unrecognized.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
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

// SetLevel sets the process-wide log level from its string name.
func SetLevel(level string) {
	current.Store(int32(ParseLogLevel(level)))
}

// Level returns the current log level name.
func Level() string {
	switch LogLevel(current.Load()) {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// shouldLog reports whether a message at the given level passes the
// current threshold.
func shouldLog(level LogLevel) bool {
	return level >= LogLevel(current.Load())
}

// logMessage formats and emits one line through the standard logger.
func logMessage(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages.
func Debug(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages.
func Info(format string, v ...interface{}) {
	if shouldLog(INFO) {
		logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages.
func Warn(format string, v ...interface{}) {
	if shouldLog(WARN) {
		logMessage("WARN", format, v...)
	}
}

// Error logs error level messages.
func Error(format string, v ...interface{}) {
	if shouldLog(ERROR) {
		logMessage("ERROR", format, v...)
	}
}
