package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns JSON logger writing to stderr. The level comes from LOG_LEVEL,
// then from the given default, then falls back to info.
func New(defaultLevel string) *slog.Logger {
	return NewWithWriter(os.Stderr, defaultLevel)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, defaultLevel string) *slog.Logger {
	level := slog.LevelInfo
	for _, candidate := range []string{os.Getenv("LOG_LEVEL"), defaultLevel} {
		if candidate == "" {
			continue
		}
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(candidate)); err == nil {
			level = parsed
			break
		}
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
