package router

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// RequestLogger emits one structured entry per request: a human line
// through the stdout logger always, and a JSON line to jsonOut when
// verbose logging is enabled. Rotation itself is handled by the
// lumberjack writers passed in by the caller (internal/logging).
type RequestLogger struct {
	stdout  *slog.Logger
	verbose bool
	jsonOut io.Writer
}

// NewRequestLogger builds the per-request structured logger used by
// Server. jsonOut receives one JSON line per request when verbose is
// true; pass a rotating writer from internal/logging.
func NewRequestLogger(stdout *slog.Logger, jsonOut io.Writer, verbose bool) *RequestLogger {
	return &RequestLogger{stdout: stdout, verbose: verbose, jsonOut: jsonOut}
}

type requestLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"durationMs"`
	Backend    string    `json:"backend"`
	Prompt     string    `json:"prompt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (l *RequestLogger) log(entry requestLogEntry) {
	entry.Timestamp = time.Now().UTC()

	if entry.Error != "" {
		l.stdout.Error("request", "method", entry.Method, "endpoint", entry.Endpoint,
			"status", entry.StatusCode, "durationMs", entry.DurationMs, "error", entry.Error)
	} else {
		l.stdout.Info("request", "method", entry.Method, "endpoint", entry.Endpoint,
			"status", entry.StatusCode, "durationMs", entry.DurationMs, "backend", entry.Backend)
	}

	if !l.verbose || l.jsonOut == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintln(l.jsonOut, string(line))
}
