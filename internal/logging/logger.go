package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Logger provides level-based logging over the standard log package.
type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
}

var globalLogger *Logger

// Initialize sets up the global logger. Level is the LOG_LEVEL value;
// anything other than "debug" logs at info and above.
func Initialize(level string) {
	var output io.Writer = os.Stdout
	if log.Writer() != os.Stderr {
		output = log.Writer()
	}

	globalLogger = &Logger{
		debugEnabled: strings.EqualFold(level, "debug"),
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
	}
}

// Info logs informational messages (always shown)
func Info(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.infoLogger.Printf(format, args...)
	}
}

// Debug logs debug messages (only shown when debug mode is enabled)
func Debug(format string, args ...interface{}) {
	if globalLogger != nil && globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

// Error logs error messages (always shown)
func Error(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.infoLogger.Printf("ERROR: "+format, args...)
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return globalLogger != nil && globalLogger.debugEnabled
}
