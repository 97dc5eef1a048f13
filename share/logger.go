// Package share holds the pieces of the VIOS proxy protocol that are
// identical on the guest and host sides: the wire frame codec, the
// generic per-channel state machine, the readiness scheduler, and the
// small set of cross-cutting facilities (logging, configuration,
// connection-id formatting) both roles depend on.
package share

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel is the severity of a single log record. The vocabulary matches
// the CLI's log_level argument, not a generic logging library's.
type LogLevel int

const (
	// LogLevelUnknown is the zero value; its behavior is undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelFatal logs a message and then exits with status 1.
	LogLevelFatal

	// LogLevelAlert is for conditions that abort proxy startup.
	LogLevelAlert

	// LogLevelError is for unexpected but non-fatal error conditions.
	LogLevelError

	// LogLevelWarn is for degraded-but-recoverable conditions.
	LogLevelWarn

	// LogLevelNotice is for state transitions worth surfacing by default.
	LogLevelNotice

	// LogLevelInfo is the default verbosity.
	LogLevelInfo

	// LogLevelDebug is for protocol-internal detail.
	LogLevelDebug
)

var logLevelNames = [...]string{
	"UNKNOWN", "FATAL", "ALERT", "ERROR", "WARN", "NOTICE", "INFO", "DEBUG",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[strings.ToUpper(name)] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a case-insensitive level name to a LogLevel,
// returning LogLevelUnknown if the name is not recognized.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToUpper(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (l LogLevel) String() string {
	if l < LogLevelUnknown || l > LogLevelDebug {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[l]
}

// FromString initializes a LogLevel from a string, returning an error for
// unrecognized names.
func (l *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("unknown log level: %q", s)
	}
	*l = result
	return nil
}

// MinLogger is the minimal interface a logging backend must satisfy.
type MinLogger interface {
	Print(args ...interface{})
	Prefix() string
}

// Logger is a level-filtered, prefix-forking logger. Every proxy component
// receives one via constructor injection rather than reaching for a global.
type Logger interface {
	MinLogger

	// Fatalf logs at LogLevelFatal and exits the process with status 1.
	Fatalf(f string, args ...interface{})
	// Fatal logs at LogLevelFatal and exits the process with status 1.
	Fatal(args ...interface{})

	// Alertf logs at LogLevelAlert.
	Alertf(f string, args ...interface{})
	// Alert logs at LogLevelAlert.
	Alert(args ...interface{})

	// ELogf logs at LogLevelError.
	ELogf(f string, args ...interface{})
	// ELog logs at LogLevelError.
	ELog(args ...interface{})

	// WLogf logs at LogLevelWarn.
	WLogf(f string, args ...interface{})
	// WLog logs at LogLevelWarn.
	WLog(args ...interface{})

	// NLogf logs at LogLevelNotice.
	NLogf(f string, args ...interface{})
	// NLog logs at LogLevelNotice.
	NLog(args ...interface{})

	// ILogf logs at LogLevelInfo.
	ILogf(f string, args ...interface{})
	// ILog logs at LogLevelInfo.
	ILog(args ...interface{})

	// DLogf logs at LogLevelDebug.
	DLogf(f string, args ...interface{})
	// DLog logs at LogLevelDebug.
	DLog(args ...interface{})

	// Errorf returns an error whose message carries this logger's prefix,
	// without emitting a log record.
	Errorf(f string, args ...interface{}) error
	// Sprintf returns a string with this logger's prefix applied.
	Sprintf(f string, args ...interface{}) string
	// Sprint returns a string with this logger's prefix applied.
	Sprint(args ...interface{}) string

	// Fork returns a new Logger whose prefix extends this one's.
	Fork(prefix string, args ...interface{}) Logger

	// GetLogLevel returns the current filter level.
	GetLogLevel() LogLevel
	// SetLogLevel changes the filter level.
	SetLogLevel(level LogLevel)
}

// BasicLogger is a Logger backed by the standard library's log.Logger,
// writing to os.Stderr with a forkable ": "-joined prefix chain.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   MinLogger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a root Logger at the given level, writing to os.Stderr.
func NewLogger(prefix string, level LogLevel) Logger {
	return NewLoggerWithFlags(prefix, defaultLogFlags, level)
}

// NewLoggerWithFlags creates a root Logger with explicit log.Logger flags.
func NewLoggerWithFlags(prefix string, flags int, level LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", flags),
		logLevel: level,
	}
}

func (l *BasicLogger) Print(args ...interface{}) {
	l.logger.Print(l.Sprint(args...))
}

func (l *BasicLogger) logAt(level LogLevel, msg string) {
	if level <= l.logLevel || level <= LogLevelAlert {
		l.logger.Print(msg)
	}
	if level == LogLevelFatal {
		os.Exit(1)
	}
}

func (l *BasicLogger) Fatal(args ...interface{})            { l.logAt(LogLevelFatal, l.Sprint(args...)) }
func (l *BasicLogger) Fatalf(f string, args ...interface{})  { l.logAt(LogLevelFatal, l.Sprintf(f, args...)) }
func (l *BasicLogger) Alert(args ...interface{})             { l.logAt(LogLevelAlert, l.Sprint(args...)) }
func (l *BasicLogger) Alertf(f string, args ...interface{})  { l.logAt(LogLevelAlert, l.Sprintf(f, args...)) }
func (l *BasicLogger) ELog(args ...interface{})              { l.logAt(LogLevelError, l.Sprint(args...)) }
func (l *BasicLogger) ELogf(f string, args ...interface{})   { l.logAt(LogLevelError, l.Sprintf(f, args...)) }
func (l *BasicLogger) WLog(args ...interface{})              { l.logAt(LogLevelWarn, l.Sprint(args...)) }
func (l *BasicLogger) WLogf(f string, args ...interface{})   { l.logAt(LogLevelWarn, l.Sprintf(f, args...)) }
func (l *BasicLogger) NLog(args ...interface{})              { l.logAt(LogLevelNotice, l.Sprint(args...)) }
func (l *BasicLogger) NLogf(f string, args ...interface{})   { l.logAt(LogLevelNotice, l.Sprintf(f, args...)) }
func (l *BasicLogger) ILog(args ...interface{})              { l.logAt(LogLevelInfo, l.Sprint(args...)) }
func (l *BasicLogger) ILogf(f string, args ...interface{})   { l.logAt(LogLevelInfo, l.Sprintf(f, args...)) }
func (l *BasicLogger) DLog(args ...interface{})              { l.logAt(LogLevelDebug, l.Sprint(args...)) }
func (l *BasicLogger) DLogf(f string, args ...interface{})   { l.logAt(LogLevelDebug, l.Sprintf(f, args...)) }

func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// Fork creates a child Logger whose prefix is this logger's prefix followed
// by the formatted argument, joined by ": ".
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return NewLoggerWithFlags(newPrefix, defaultLogFlags, l.logLevel)
}

func (l *BasicLogger) Prefix() string { return l.prefix }

func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

func (l *BasicLogger) SetLogLevel(level LogLevel) { l.logLevel = level }
