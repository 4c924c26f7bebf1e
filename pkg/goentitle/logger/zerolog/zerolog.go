// Package zerolog adapts a zerolog.Logger to goentitle.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Logger implements goentitle.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a child adapter that always carries the given component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []goentitle.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
