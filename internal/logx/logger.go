// Package logx defines the structured-logging seam used by every core
// component, backed by logrus.
package logx

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the structured-logging interface every component depends on.
// Components never import logrus directly; they take a Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a derived logger carrying an extra structured field,
	// e.g. the owning device id or the peer a log line is about.
	WithField(key string, value interface{}) Logger
}

// logrusLogger is the default Logger, wrapping a *logrus.Entry.
type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a Logger writing JSON-formatted entries to w at the given
// level. component and deviceID are bound as structured fields on every line.
func New(w io.Writer, level logrus.Level, component, deviceID string) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{})
	return &logrusLogger{entry: base.WithFields(logrus.Fields{
		"component": component,
		"device_id": deviceID,
	})}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Nop is a Logger that discards everything, used by tests that don't want
// log noise over deterministic simulation runs.
func Nop() Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}
