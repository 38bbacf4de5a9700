// Package logging builds the structured loggers used across the server.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logger handle passed to components.
type Logger = logrus.FieldLogger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// NewLogger creates a logger writing to stderr. format is "json" or "text";
// level is one of debug, info, warn, error (default info).
func NewLogger(level, format string) *logrus.Logger {
	return newLogger(os.Stderr, level, format)
}

// NewLoggerWithService creates a logger whose entries carry a service field.
func NewLoggerWithService(serviceName, level, format string) *logrus.Entry {
	return NewLogger(level, format).WithField("service", serviceName)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	return newLogger(io.Discard, "error", "text")
}

// Component returns a child logger tagged with the component name.
func Component(l Logger, name string) Logger {
	if l == nil {
		l = Discard()
	}
	return l.WithField("component", name)
}

func newLogger(w io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	if strings.ToLower(format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(ParseLevel(level))
	return logger
}

// ParseLevel maps a level name to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
