package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/config"
)

// ParseLogLevel parses a level name. "warning" is accepted for warn.
func ParseLogLevel(s string) (log.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// parseFormatter maps a configured format name to a charm formatter.
func parseFormatter(s string) (log.Formatter, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("invalid log format %q", s)
	}
}

// NewLogger builds the host's structured logger. Every component derives its
// own logger from this one with a "component" attribute.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	formatter, err := parseFormatter(cfg.Format)
	if err != nil {
		return nil, err
	}

	handler := log.NewWithOptions(w, log.Options{
		Prefix:          "modhost",
		Level:           level,
		ReportTimestamp: true,
		Formatter:       formatter,
	})
	return slog.New(handler), nil
}
