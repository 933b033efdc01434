package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/term"
)

// fanout sends each record to every handler that accepts its level. The
// console handler can be muted while the drive loop owns the terminal.
type fanout struct {
	file    slog.Handler
	console slog.Handler
	muted   *atomic.Bool
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	if f.file != nil && f.file.Enabled(ctx, level) {
		return true
	}
	return !f.muted.Load() && f.console.Enabled(ctx, level)
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if f.file != nil && f.file.Enabled(ctx, r.Level) {
		errs = append(errs, f.file.Handle(ctx, r.Clone()))
	}
	if !f.muted.Load() && f.console.Enabled(ctx, r.Level) {
		errs = append(errs, f.console.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &fanout{console: f.console.WithAttrs(attrs), muted: f.muted}
	if f.file != nil {
		out.file = f.file.WithAttrs(attrs)
	}
	return out
}

func (f *fanout) WithGroup(name string) slog.Handler {
	out := &fanout{console: f.console.WithGroup(name), muted: f.muted}
	if f.file != nil {
		out.file = f.file.WithGroup(name)
	}
	return out
}

// logging is the process-wide logger setup.
type logging struct {
	logger *slog.Logger
	muted  *atomic.Bool
	file   *os.File
}

// MuteConsole stops or resumes console output. The log file keeps everything.
func (l *logging) MuteConsole(mute bool) {
	l.muted.Store(mute)
}

// Close flushes the log file.
func (l *logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// setupLogging writes debug-level JSON to path (if set) and info or debug
// to console, as text on a terminal and JSON otherwise. The result is
// installed as the slog default.
func setupLogging(path string, verbose bool, console io.Writer) (*logging, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	var consoleHandler slog.Handler
	if isTerminal(console) {
		consoleHandler = slog.NewTextHandler(console, options)
	} else {
		consoleHandler = slog.NewJSONHandler(console, options)
	}

	l := &logging{muted: &atomic.Bool{}}
	h := &fanout{console: consoleHandler, muted: l.muted}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		h.file = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	l.logger = slog.New(h)
	slog.SetDefault(l.logger)
	return l, nil
}
