package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// crHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Time attributes are written in UTC RFC 3339.
type crHandler struct {
	w     io.Writer
	runID string
	attrs []slog.Attr
}

func (h *crHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *crHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.runID, r.Message)
	if err != nil {
		return err
	}

	for _, a := range h.attrs {
		writeAttr(h.w, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(h.w, a)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func (h *crHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &crHandler{
		w:     h.w,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *crHandler) WithGroup(string) slog.Handler { return h }

func writeAttr(w io.Writer, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindTime {
		fmt.Fprintf(w, "\t%s=%s", a.Key, v.Time().UTC().Format(time.RFC3339))
		return
	}
	fmt.Fprintf(w, "\t%s=%v", a.Key, v)
}

// newLogger creates a structured logger that writes to both logDir/cr.log and stderr.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, runID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "cr.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	w := io.MultiWriter(f, os.Stderr)
	handler := &crHandler{w: w, runID: runID}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the cr.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
