package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// dsHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Outside a provisioning run the runID column holds the process operation ID.
type dsHandler struct {
	w     io.Writer
	runID string
	attrs []slog.Attr
}

func (h *dsHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *dsHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")

	// Build the whole line first so concurrent runs never interleave.
	line := fmt.Sprintf("%s\t%s\t%s\t%s", ts, r.Level.String(), h.runID, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *dsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dsHandler{
		w:     h.w,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *dsHandler) WithGroup(string) slog.Handler { return h }

// forRun returns a handler that stamps records with runID.
func (h *dsHandler) forRun(runID string) *dsHandler {
	return &dsHandler{w: h.w, runID: runID, attrs: h.attrs}
}

// newLogHandler creates a handler that writes to both logDir/drivesync.log and stderr.
// It returns the handler, the open log file (for cleanup), and any error.
func newLogHandler(logDir string, opID string, stderr io.Writer) (*dsHandler, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "drivesync.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return &dsHandler{w: io.MultiWriter(f, stderr), runID: opID}, f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the ds.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
