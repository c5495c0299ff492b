// Package slog adapts a *slog.Logger to the nanasqlite Logger
// interface.
package slog

import (
	"context"
	stdslog "log/slog"

	nanasqlite "github.com/disnana/NanaSQLite-sub000"
)

var _ nanasqlite.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func (s Logger) Debug(msg string, f nanasqlite.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f nanasqlite.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f nanasqlite.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f nanasqlite.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(level stdslog.Level, msg string, f nanasqlite.Fields) {
	attrs := make([]stdslog.Attr, 0, len(f))
	for k, v := range f {
		attrs = append(attrs, stdslog.Any(k, v))
	}
	s.L.LogAttrs(context.Background(), level, msg, attrs...)
}
