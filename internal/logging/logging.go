// Package logging builds the process slog logger from a profile plus
// environment overrides.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvLogLevel  = "BELUNA_LOG_LEVEL"
	EnvLogFormat = "BELUNA_LOG_FORMAT"
)

// LevelTrace sits below debug for per-entry diagnostics.
const LevelTrace = slog.Level(-8)

// #region profile

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Options is the resolved handler configuration.
type Options struct {
	Level    slog.Level
	JSON     bool
	Disabled bool
	NoTime   bool
}

func defaultOptions(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{Level: slog.LevelDebug, NoTime: true}
	default:
		return Options{Level: slog.LevelInfo}
	}
}

// #endregion profile

// #region constructors

// New builds a logger for profile writing to w, honoring BELUNA_LOG_LEVEL and
// BELUNA_LOG_FORMAT.
func New(profile Profile, w io.Writer) *slog.Logger {
	opts := defaultOptions(profile)
	applyEnvOverrides(&opts, os.Getenv)
	return NewWithOptions(opts, w)
}

// NewWithOptions builds a logger from explicit options.
func NewWithOptions(opts Options, w io.Writer) *slog.Logger {
	if opts.Disabled {
		return slog.New(slog.DiscardHandler)
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.NoTime {
		hopts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// ConfigureRuntime installs the runtime logger on stderr as the slog default.
func ConfigureRuntime() *slog.Logger {
	l := New(ProfileRuntime, os.Stderr)
	slog.SetDefault(l)
	return l
}

// #endregion constructors

// #region env

func applyEnvOverrides(opts *Options, getenv func(string) string) {
	if lvl, disabled, ok := parseLevel(getenv(EnvLogLevel)); ok {
		opts.Level = lvl
		opts.Disabled = disabled
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvLogFormat))) {
	case "json":
		opts.JSON = true
	case "text":
		opts.JSON = false
	}
}

func parseLevel(raw string) (level slog.Level, disabled bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, false, true
	case "debug":
		return slog.LevelDebug, false, true
	case "info":
		return slog.LevelInfo, false, true
	case "warn", "warning":
		return slog.LevelWarn, false, true
	case "error":
		return slog.LevelError, false, true
	case "off", "disabled", "none":
		return slog.LevelInfo, true, true
	default:
		return slog.LevelInfo, false, false
	}
}

// #endregion env
