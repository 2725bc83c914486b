package transport

import (
	"log/slog"
	"os"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the logger used by the transport package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}
