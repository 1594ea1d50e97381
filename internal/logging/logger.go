package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds the JSON logger shared by the binaries. Every record carries
// the service name so server and consumer output can be told apart once
// shipped to a log backend. Unknown level strings fall back to info.
func New(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}
	logger := slog.New(slog.NewJSONHandler(w, opts))
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

func parseLevel(s string) slog.Level {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lv
}
