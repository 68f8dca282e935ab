package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Modular is the logging interface handed to every component. It mirrors a
// leveled printf-style logger with field scoping.
type Modular interface {
	WithFields(fields map[string]string) Modular

	Errorf(format string, v ...any)
	Warnf(format string, v ...any)
	Infof(format string, v ...any)
	Debugf(format string, v ...any)
}

type slogAdapter struct {
	slog *slog.Logger
}

// NewSlogAdapter wraps a slog.Logger in the Modular interface.
func NewSlogAdapter(l *slog.Logger) Modular {
	return &slogAdapter{slog: l}
}

// New creates a text-handler logger writing to stderr at the given level
// (one of trace, debug, info, warn, error).
func New(level string) Modular {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &slogAdapter{slog: slog.New(h)}
}

// Noop returns a logger that discards everything, used in tests.
func Noop() Modular {
	return &slogAdapter{slog: slog.New(slog.DiscardHandler)}
}

func (l *slogAdapter) WithFields(fields map[string]string) Modular {
	tmp := l.slog
	for k, v := range fields {
		tmp = tmp.With(slog.String(k, v))
	}
	return &slogAdapter{slog: tmp}
}

func (l *slogAdapter) Errorf(format string, v ...any) {
	l.slog.Error(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Warnf(format string, v ...any) {
	l.slog.Warn(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Infof(format string, v ...any) {
	l.slog.Info(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Debugf(format string, v ...any) {
	l.slog.Debug(fmt.Sprintf(format, v...))
}
