// Package logging wires slog to a tint console handler plus rotating
// per-component log files.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

var levels = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (log.Level, error) {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return log.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

const (
	maxSizeMB  = 5
	maxBackups = 3
)

// Logs owns the console handler and the file sinks. With an empty dir only
// the console is used.
type Logs struct {
	dir     string
	level   log.Level
	console log.Handler

	mu    sync.Mutex
	files map[string]*lumberjack.Logger
}

func New(level log.Level, dir string, console io.Writer) *Logs {
	return &Logs{
		dir:   dir,
		level: level,
		console: tint.NewHandler(console, &tint.Options{
			Level: level,
		}),
		files: make(map[string]*lumberjack.Logger),
	}
}

// Setup installs the daemon logger as the slog default and returns the
// sinks so callers can hand out component loggers.
func Setup(level, dir string) (*Logs, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := New(lvl, dir, os.Stdout)
	log.SetDefault(log.New(l.handler("calico.log")))
	return l, nil
}

func (l *Logs) sink(name string) io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.files[name]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(l.dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	l.files[name] = w
	return w
}

func (l *Logs) handler(file string) log.Handler {
	if l.dir == "" {
		return l.console
	}
	fh := log.NewTextHandler(l.sink(file), &log.HandlerOptions{Level: l.level})
	return fanout{l.console, fh}
}

// For returns the logger of a component, e.g. a skill's primary intent. Its
// records go to the console and to skills/<component>.log.
func (l *Logs) For(component string) *log.Logger {
	return log.New(l.handler(filepath.Join("skills", component+".log"))).With("skill", component)
}

func (l *Logs) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, w := range l.files {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// fanout passes every record to all of its handlers.
type fanout []log.Handler

func (f fanout) Enabled(ctx context.Context, lvl log.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r log.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []log.Attr) log.Handler {
	res := make(fanout, len(f))
	for i, h := range f {
		res[i] = h.WithAttrs(attrs)
	}
	return res
}

func (f fanout) WithGroup(name string) log.Handler {
	res := make(fanout, len(f))
	for i, h := range f {
		res[i] = h.WithGroup(name)
	}
	return res
}
