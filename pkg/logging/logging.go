// Package logging configures the zerolog loggers shared by the daemon and CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a logger from cfg. WARDEN_LOG_LEVEL and WARDEN_LOG_FORMAT
// override the file settings.
func New(cfg config.LoggingConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("WARDEN_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := "console"
	if cfg.JSON || !cfg.HumanReadable {
		format = "json"
	}
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("WARDEN_LOG_FORMAT"))); raw != "" {
		format = raw
	}

	return newLogger(format, out).Level(level)
}

// Setup builds the logger and installs it as the global zerolog logger.
func Setup(cfg config.LoggingConfig) zerolog.Logger {
	logger := New(cfg)
	log.Logger = logger
	return logger
}

// Component derives a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func newLogger(format string, out io.Writer) zerolog.Logger {
	if format == "json" {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}
	return zerolog.New(writer).With().Timestamp().Logger()
}
