// Package logging provides the per-component, level-filtered logger the
// rest of the daemon logs through, adapted from the teacher's core.Logger
// but backed by log/slog with a tint-colorized handler instead of the
// teacher's bare log.Printf + manual file sink.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lmittmann/tint"
)

// Level mirrors slog.Level but gives components a name-based vocabulary
// matching the teacher's LogLevel (debug/info/warn/error/off) instead of
// slog's numeric offsets.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config holds logging configuration as loaded from YAML.
type Config struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Hook is a callback invoked for every message that passes level
// filtering, matching the teacher's LogHook. It is installed with SetHook;
// nothing in this module installs one (cmd/tunneld's notifier reads the
// dispatcher's Transitions channel instead).
type Hook func(level Level, component, message string)

// Logger provides per-component log level filtering on top of a single
// slog.Logger/tint handler pair.
type Logger struct {
	globalLevel Level
	components  map[string]Level
	levelCache  sync.Map // component → Level, lock-free after first lookup
	hook        atomic.Pointer[Hook]
	slog        *slog.Logger
	logFile     *os.File
}

// New creates a Logger writing tint-colorized output to stderr, and to
// logFile as well when non-nil (the caller opens the file; New never
// creates one on its own so callers control rotation/placement).
func New(cfg Config, logFile *os.File) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]Level, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	writer := os.Stderr
	handler := tint.NewHandler(writer, &tint.Options{
		Level:      l.globalLevel.slogLevel(),
		TimeFormat: "15:04:05.000",
	})
	l.slog = slog.New(handler)
	l.logFile = logFile
	return l
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
		l.logFile = nil
	}
}

func (l *Logger) levelFor(component string) Level {
	if v, ok := l.levelCache.Load(component); ok {
		return v.(Level)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(component)]; ok {
		lvl = cl
	}
	l.levelCache.Store(component, lvl)
	return lvl
}

// SetHook installs a callback receiving every message that passes level
// filtering. Pass nil to remove it.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
	} else {
		l.hook.Store(&h)
	}
}

func (l *Logger) emit(level Level, component, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, component, msg)
	}
}

func (l *Logger) logf(level Level, component, format string, args ...any) {
	if l.levelFor(component) > level || l.levelFor(component) == LevelOff {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.slog.With("component", component).Log(context.Background(), level.slogLevel(), msg)
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %s\n", component, msg)
	}
	l.emit(level, component, msg)
}

func (l *Logger) Debugf(component, format string, args ...any) { l.logf(LevelDebug, component, format, args...) }
func (l *Logger) Infof(component, format string, args ...any)  { l.logf(LevelInfo, component, format, args...) }
func (l *Logger) Warnf(component, format string, args ...any)  { l.logf(LevelWarn, component, format, args...) }
func (l *Logger) Errorf(component, format string, args ...any) { l.logf(LevelError, component, format, args...) }

// Fatalf always logs at error level regardless of filtering, then exits.
func (l *Logger) Fatalf(component, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.With("component", component).Error(msg)
	l.emit(LevelError, component, msg)
	os.Exit(1)
}

// Log is the package default, usable before a daemon has loaded its own
// configured Logger (e.g. during flag parsing).
var Log = New(Config{}, nil)
