package applog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
)

// Level toggles, set once from LOG_LEVEL at startup. WARNING is the default:
// info and debug lines are suppressed unless explicitly enabled.
var (
	debugEnabled = false
	infoEnabled  = false
	warnEnabled  = true
	errorEnabled = true
)

// SetLevel enables log levels at or above the given threshold
// (DEBUG, INFO, WARNING, ERROR). Unknown values fall back to WARNING.
func SetLevel(level string) {
	debugEnabled, infoEnabled, warnEnabled, errorEnabled = false, false, false, true
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		debugEnabled, infoEnabled, warnEnabled = true, true, true
	case "INFO":
		infoEnabled, warnEnabled = true, true
	case "ERROR":
		// errors only
	default: // WARNING
		warnEnabled = true
	}
}

// Emit prints locally (if enabled and level allowed) and pushes the same line
// to Loki. The level is normalized (lowercased) and used for filtering.
func Emit(level, app string, labels map[string]string, line string) {
	normalized := strings.ToLower(strings.TrimSpace(level))

	// Local print (skip during tests)
	if logEnabled() && levelEnabled(normalized) {
		log.Print(line)
	}

	PushLokiWithLevel(normalized, app, labels, line)
}

// Debugf, Infof, Warnf and Errorf are convenience wrappers around Emit for
// lines that need no extra Loki labels.
func Debugf(app, format string, args ...any) { Emit("debug", app, nil, fmt.Sprintf(format, args...)) }
func Infof(app, format string, args ...any)  { Emit("info", app, nil, fmt.Sprintf(format, args...)) }
func Warnf(app, format string, args ...any)  { Emit("warning", app, nil, fmt.Sprintf(format, args...)) }
func Errorf(app, format string, args ...any) { Emit("error", app, nil, fmt.Sprintf(format, args...)) }

// levelEnabled reports if a given log level is enabled.
func levelEnabled(level string) bool {
	switch level {
	case "debug":
		return debugEnabled
	case "info":
		return infoEnabled
	case "error":
		return errorEnabled
	default:
		return warnEnabled
	}
}

// logEnabled reports whether local log printing should run.
// It disables local log printing for unit tests.
func logEnabled() bool {
	// In test binaries, the testing package registers these flags.
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
