// Package logger builds the forecaster's slog logger from its configuration:
// text or JSON output on stdout at the configured level, tagged with the
// service name.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
)

const service = "aq-forecaster"

func New(cfg *config.Config) *slog.Logger {
	return NewWriter(os.Stdout, cfg.LogFormat, cfg.LogLevel)
}

// NewWriter writes to w. Unknown levels fall back to info and unknown
// formats to text.
func NewWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", service)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
