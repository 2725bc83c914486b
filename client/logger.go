package client

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/digitalocean/go-qemu/qmp"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the logger used by the client package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

// RunAndLog sends a monitor command and logs request and response at debug level.
func RunAndLog(monitor qmp.Monitor, command string) ([]byte, error) {
	log.Debug("monitor request", "json", command)
	raw, err := monitor.Run([]byte(command))
	if err != nil {
		log.Debug("monitor request failed", "error", err)
	}
	PrettyPrintJSON(string(raw))
	return raw, err
}

// PrettyPrintJSON logs raw indented at debug level, or verbatim when it is not JSON.
func PrettyPrintJSON(raw string) {
	if raw == "" {
		return
	}
	var obj any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		log.Debug(raw)
		return
	}
	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		log.Debug(raw)
		return
	}
	log.Debug(string(pretty))
}
