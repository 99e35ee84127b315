package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/cedar"
)

// Logrus adapts a logrus.Logger.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus returns a cedar.Logger writing to logger with a component field
// of "cedar".
func NewLogrus(logger *logrus.Logger) cedar.Logger {
	return &Logrus{entry: logger.WithField("component", "cedar")}
}

func (l *Logrus) Error(msg string, args ...any) { l.entry.WithFields(toFields(args)).Error(msg) }

func (l *Logrus) Warn(msg string, args ...any) { l.entry.WithFields(toFields(args)).Warn(msg) }

func (l *Logrus) Info(msg string, args ...any) { l.entry.WithFields(toFields(args)).Info(msg) }

func toFields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2+1)
	pairs(args, func(key string, value any) {
		f[key] = value
	})
	return f
}
