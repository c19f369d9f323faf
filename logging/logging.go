// Package logging provides the structured logger shared by every component.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a context-aware structured logger. args are alternating key/value pairs.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// ZerologLogger adapts zerolog to Logger.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog logger.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

// New builds a JSON logger writing to w at the named level. An unknown level
// falls back to info.
func New(w io.Writer, level string) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return NewZerologLogger(zerolog.New(w).Level(lvl).With().Timestamp().Logger())
}

// Nop returns a logger that discards everything.
func Nop() *ZerologLogger {
	return NewZerologLogger(zerolog.Nop())
}

func (z *ZerologLogger) Debug(ctx context.Context, msg string, args ...any) {
	z.emit(z.l.Debug(), ctx, msg, args)
}

func (z *ZerologLogger) Info(ctx context.Context, msg string, args ...any) {
	z.emit(z.l.Info(), ctx, msg, args)
}

func (z *ZerologLogger) Warn(ctx context.Context, msg string, args ...any) {
	z.emit(z.l.Warn(), ctx, msg, args)
}

func (z *ZerologLogger) Error(ctx context.Context, msg string, args ...any) {
	z.emit(z.l.Error(), ctx, msg, args)
}

func (z *ZerologLogger) With(args ...any) Logger {
	return &ZerologLogger{l: z.l.With().Fields(normalizeArgs(args)).Logger()}
}

func (z *ZerologLogger) emit(event *zerolog.Event, ctx context.Context, msg string, args []any) {
	if event == nil {
		return
	}
	if ctx != nil {
		event = event.Ctx(ctx)
	}
	event.Fields(normalizeArgs(args)).Msg(msg)
}

// normalizeArgs turns errors into strings and pads a dangling key.
func normalizeArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args)+1)
	for i, arg := range args {
		if i%2 == 1 {
			if err, ok := arg.(error); ok && err != nil {
				arg = err.Error()
			}
		}
		out = append(out, arg)
	}
	if len(out)%2 == 1 {
		out = append(out, "(missing)")
	}
	return out
}
