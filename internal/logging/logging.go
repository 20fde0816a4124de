package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// Logger is the per-subsystem logging handle used throughout this repo.
type Logger = btclogv2.Logger

// Severity is one of the values accepted by the LogSeverityFile/Sys/Screen
// config keys (spec §6): none disables that destination entirely.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a config string to a Severity, defaulting to info for
// an empty/unrecognized value so a missing config key never silences a
// destination outright.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityNone, SeverityDebug, SeverityInfo, SeverityWarning,
		SeverityError, SeverityCritical:

		return sev
	default:
		return SeverityInfo
	}
}

func (s Severity) level() btclog.Level {
	switch s {
	case SeverityDebug:
		return btclog.LevelDebug
	case SeverityWarning:
		return btclog.LevelWarn
	case SeverityError:
		return btclog.LevelError
	case SeverityCritical:
		return btclog.LevelCritical
	default:
		return btclog.LevelInfo
	}
}

// Config controls where log records go and at what severity, mirroring the
// LogFilePath/LogSeverityFile/Sys/Screen config contract of spec §6. There
// is no syslog ("Sys") destination: this repo targets a container host
// where syslog forwarding is handled by the surrounding init system, not
// the process itself, and a LogSeveritySys value does not affect the
// screen destination either.
type Config struct {
	ScreenSeverity Severity
	FileSeverity   Severity

	// FilePath is the destination for file logging, or "" ("none") to
	// disable it.
	FilePath string
}

// Backend owns the open log file (if any) and the root handler set that
// every subsystem logger is derived from via SubSystem.
type Backend struct {
	root      *HandlerSet
	file      io.Closer
	loggerSet map[string]Logger
}

// NewBackend opens the configured destinations and builds the root handler.
func NewBackend(cfg Config) (*Backend, error) {
	var handlers []btclogv2.Handler

	if cfg.ScreenSeverity != SeverityNone {
		screen := btclogv2.NewDefaultHandler(os.Stdout)
		screen.SetLevel(cfg.ScreenSeverity.level())
		handlers = append(handlers, screen)
	}

	var fileCloser io.Closer
	if cfg.FileSeverity != SeverityNone && cfg.FilePath != "" {
		f, err := os.OpenFile(
			cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
		)
		if err != nil {
			return nil, fmt.Errorf("opening log file %q: %w", cfg.FilePath, err)
		}

		fileHandler := btclogv2.NewDefaultHandler(f)
		fileHandler.SetLevel(cfg.FileSeverity.level())
		handlers = append(handlers, fileHandler)
		fileCloser = f
	}

	if len(handlers) == 0 {
		handlers = append(handlers, btclogv2.NewDefaultHandler(io.Discard))
	}

	return &Backend{
		root:      NewHandlerSet(handlers...),
		file:      fileCloser,
		loggerSet: make(map[string]Logger),
	}, nil
}

// Logger returns (creating if needed) the sub-logger tagged with subsystem,
// e.g. "IPSET-V4", "TAGIDX-V6", "WATCHER".
func (b *Backend) Logger(subsystem string) Logger {
	if l, ok := b.loggerSet[subsystem]; ok {
		return l
	}

	l := btclogv2.NewSLogger(b.root.SubSystem(subsystem))
	b.loggerSet[subsystem] = l

	return l
}

// Close releases the log file, if one was opened.
func (b *Backend) Close() error {
	if b.file != nil {
		return b.file.Close()
	}

	return nil
}
