package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options selects the output format of New.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	// LevelVar, when set, controls the level instead of Level so it can be
	// changed while running.
	LevelVar *slog.LevelVar
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a correlation-aware logger writing to w. Text output is
// colorized only when w is a terminal.
func New(w io.Writer, opts Options) *slog.Logger {
	var level slog.Leveler = ParseLevel(opts.Level)
	if opts.LevelVar != nil {
		level = opts.LevelVar
	}

	var inner slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		inner = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})
	}
	return slog.New(NewCorrelationHandler(inner))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
