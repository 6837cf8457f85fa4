package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const defaultService = "dmrelay-server"

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if os.Getenv("LOG_FORMAT") == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Configure sets the level ("debug", "info", "warn", "error") and format ("text" or "json")
func Configure(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		base.SetLevel(lvl)
	}
	switch format {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// SetOutput redirects all log output
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Logger is a service-scoped logger carrying context fields
type Logger struct {
	entry *logrus.Entry
}

var DefaultLogger = NewLogger(defaultService)

func NewLogger(service string) *Logger {
	return &Logger{entry: base.WithField("service", service)}
}

// WithContext returns a copy of the logger with an extra field
func (l *Logger) WithContext(key, value string) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(message string, data ...any) {
	l.with(data).Debug(message)
}

func (l *Logger) Info(message string, data ...any) {
	l.with(data).Info(message)
}

func (l *Logger) Warn(message string, data ...any) {
	l.with(data).Warn(message)
}

func (l *Logger) Error(message string, data ...any) {
	l.with(data).Error(message)
}

func (l *Logger) with(data []any) *logrus.Entry {
	if len(data) == 0 || data[0] == nil {
		return l.entry
	}
	switch d := data[0].(type) {
	case map[string]string:
		fields := make(logrus.Fields, len(d))
		for k, v := range d {
			fields[k] = v
		}
		return l.entry.WithFields(fields)
	case logrus.Fields:
		return l.entry.WithFields(d)
	case map[string]any:
		return l.entry.WithFields(logrus.Fields(d))
	default:
		return l.entry.WithField("data", d)
	}
}

func Debug(message string, data ...any) {
	DefaultLogger.Debug(message, data...)
}

func Info(message string, data ...any) {
	DefaultLogger.Info(message, data...)
}

func Warn(message string, data ...any) {
	DefaultLogger.Warn(message, data...)
}

func Error(message string, data ...any) {
	DefaultLogger.Error(message, data...)
}

func ErrorWithError(message string, err error, data ...any) {
	DefaultLogger.WithError(err).Error(message, data...)
}

func WarnWithError(message string, err error, data ...any) {
	DefaultLogger.WithError(err).Warn(message, data...)
}
