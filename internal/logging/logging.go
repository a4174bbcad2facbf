// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log behind the structured,
// component-scoped logger every cellmeter subsystem is constructed with.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Config controls the root logger's behavior.
type Config struct {
	Level      string // debug, info, warn, error
	JSON       bool
	ReportTime bool
	Syslog     SyslogConfig
}

// DefaultConfig returns the logger configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		JSON:       false,
		ReportTime: true,
		Syslog:     DefaultSyslogConfig(),
	}
}

// Logger is a structured, component-scoped logger.
type Logger struct {
	inner *charmlog.Logger
}

// New builds the root Logger from cfg, writing to stderr and, if
// cfg.Syslog.Enabled, forwarding every entry to the configured syslog
// daemon as well. A dial failure falls back to stderr-only logging.
func New(cfg Config) *Logger {
	opts := charmlog.Options{
		ReportTimestamp: cfg.ReportTime,
		Formatter:       charmlog.TextFormatter,
	}
	if cfg.JSON {
		opts.Formatter = charmlog.JSONFormatter
	}

	var out io.Writer = os.Stderr
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(os.Stderr, w)
		}
	}

	l := charmlog.NewWithOptions(out, opts)
	l.SetLevel(parseLevel(cfg.Level))

	return &Logger{inner: l}
}

func parseLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// WithComponent returns a child Logger tagged with the given component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

// With returns a child Logger with the given key-value pairs attached to
// every subsequent entry.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{inner: l.inner.With(keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.inner.Debug(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...any)  { l.inner.Info(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...any)  { l.inner.Warn(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...any) { l.inner.Error(msg, keyvals...) }
