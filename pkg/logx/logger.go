// Package logx provides structured logging for the beacontrack daemon
package logx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured JSON logging with key/value pairs
type Logger struct {
	level LogLevel
	entry *logrus.Entry
}

// New creates a new structured logger writing to stdout
func New(levelStr string) *Logger {
	return NewWithWriter(levelStr, os.Stdout)
}

// NewWithWriter creates a logger writing JSON lines to w
func NewWithWriter(levelStr string, w io.Writer) *Logger {
	level := parseLevel(levelStr)

	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(logrusLevel(level))
	base.SetFormatter(&levelFormatter{inner: &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
		},
	}})

	return &Logger{
		level: level,
		entry: logrus.NewEntry(base),
	}
}

// levelFormatter writes the daemon's level names ("warn", not logrus'
// "warning") so the log schema stays stable
type levelFormatter struct {
	inner *logrus.JSONFormatter
}

var (
	logrusWarn = []byte(`"level":"warning"`)
	schemaWarn = []byte(`"level":"warn"`)
)

func (f *levelFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.inner.Format(e)
	if err != nil || e.Level != logrus.WarnLevel {
		return b, err
	}
	// User fields named "level" are renamed to "fields.level" by the JSON
	// formatter, so the first match is always the level key.
	return bytes.Replace(b, logrusWarn, schemaWarn, 1), nil
}

// EnableSyslog mirrors every entry to the local syslog daemon when available
func (l *Logger) EnableSyslog(tag string) {
	l.initSyslog(tag)
}

// parseLevel converts string to LogLevel
func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// levelString converts LogLevel to string
func levelString(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// Level returns the configured level name
func (l *Logger) Level() string {
	return levelString(l.level)
}

// fields turns a keysAndValues list into logrus fields. A dangling key is kept
// under "!BADKEY" so nothing is silently lost.
func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 >= len(keysAndValues) {
			f["!BADKEY"] = keysAndValues[i]
			break
		}
		key := fmt.Sprintf("%v", keysAndValues[i])
		val := keysAndValues[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		f[key] = val
	}
	return f
}

// With returns a child logger that always carries the given fields
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		level: l.level,
		entry: l.entry.WithFields(fields(keysAndValues)),
	}
}

func (l *Logger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}
	e := l.entry
	if len(keysAndValues) > 0 {
		e = e.WithFields(fields(keysAndValues))
	}
	e.Log(logrusLevel(level), msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(DebugLevel, msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(WarnLevel, msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(ErrorLevel, msg, keysAndValues...)
}
