// Package logger builds the process slog.Logger: charmbracelet text output for
// terminals, one JSON entry per line otherwise, with secret-bearing attributes masked.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmLog "github.com/charmbracelet/log"

	"clawgate/pkg/config"
)

const (
	envFormat    = "CLAWGATE_LOG_FORMAT"
	envLevel     = "CLAWGATE_LOG_LEVEL"
	envAddSource = "CLAWGATE_LOG_ADD_SOURCE"

	formatText = "text"
	formatJSON = "json"
)

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds a logger writing to stderr. Environment variables override cfg.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch opts.format {
	case formatText:
		handler = charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(opts.level),
			ReportTimestamp: true,
			ReportCaller:    opts.addSource,
			Formatter:       charmLog.TextFormatter,
		})
	default:
		handler = newEntryHandler(writer, opts.level, opts.addSource)
	}

	return slog.New(redact(handler)), nil
}

func resolveOptions(cfg config.LoggingConfig) (options, error) {
	format := envOr(envFormat, cfg.Format)
	if format == "" {
		format = formatText
	}
	if format != formatText && format != formatJSON {
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(envOr(envLevel, cfg.Level))
	if err != nil {
		return options{}, err
	}

	addSource := cfg.AddSource
	if raw, ok := os.LookupEnv(envAddSource); ok && strings.TrimSpace(raw) != "" {
		addSource = parseBool(raw)
	}

	return options{format: format, level: level, addSource: addSource}, nil
}

// envOr returns the lowercased env value when set, else the lowercased fallback.
func envOr(name string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return strings.ToLower(value)
	}

	return strings.ToLower(strings.TrimSpace(fallback))
}

func parseLevel(text string) (slog.Level, error) {
	switch text {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
