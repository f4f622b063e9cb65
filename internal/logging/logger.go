// Package logging provides the structured logger shared by every actor in
// the protocol engine: connections, the partitioner and the rate loop.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Logger is the dependency every actor takes at construction time instead
// of reaching for a package-level global.
type Logger interface {
	Debugf(f string, v ...interface{})
	Infof(f string, v ...interface{})
	Warnf(f string, v ...interface{})
	Errorf(f string, v ...interface{})
	With(field string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

var _ Logger = (*logrusLogger)(nil)

// New builds a Logger at the given verbosity level, prefixed for a
// particular run (e.g. the resource hash or the connection's endpoints).
func New(level int, prefix string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch level {
	case LevelSilent:
		l.SetLevel(logrus.PanicLevel)
	case LevelError:
		l.SetLevel(logrus.ErrorLevel)
	case LevelInfo:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.DebugLevel)
	}

	entry := logrus.NewEntry(l)
	if prefix != "" {
		entry = entry.WithField("component", prefix)
	}
	return &logrusLogger{entry: entry}
}

func (l *logrusLogger) Debugf(f string, v ...interface{}) { l.entry.Debugf(f, v...) }
func (l *logrusLogger) Infof(f string, v ...interface{})  { l.entry.Infof(f, v...) }
func (l *logrusLogger) Warnf(f string, v ...interface{})  { l.entry.Warnf(f, v...) }
func (l *logrusLogger) Errorf(f string, v ...interface{}) { l.entry.Errorf(f, v...) }

func (l *logrusLogger) With(field string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(field, value)}
}
