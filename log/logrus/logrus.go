// Package logrus adapts a *logrus.Entry to the nanasqlite Logger
// interface.
package logrus

import (
	nanasqlite "github.com/disnana/NanaSQLite-sub000"
	"github.com/sirupsen/logrus"
)

var _ nanasqlite.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func (l Logger) Debug(msg string, f nanasqlite.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f nanasqlite.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l Logger) Warn(msg string, f nanasqlite.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l Logger) Error(msg string, f nanasqlite.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
