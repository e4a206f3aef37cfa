// Package logger turns the log_level, log_format and log_output settings into
// the *slog.Logger the BLE engines and the CLI share.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/xixiha5230/BleCore/internal/config"
)

// New returns the logger for cfg and a release func for its sink. With a
// file sink the func closes the file; for stdout and stderr it does nothing.
func New(cfg *config.Config) (*slog.Logger, func() error, error) {
	w, release, err := logSink(cfg.LogOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("log_output %q: %w", cfg.LogOutput, err)
	}
	h := newHandler(w, cfg.LogFormat, config.ParseLogLevel(cfg.LogLevel))
	return slog.New(h), release, nil
}

// newHandler picks JSON for log_format "json" and text otherwise.
func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// logSink maps log_output to a writer. Empty means stderr; anything other
// than stdout or stderr is a file path, appended to across runs.
func logSink(output string) (io.Writer, func() error, error) {
	nop := func() error { return nil }
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nop, nil
	case "stdout":
		return os.Stdout, nop, nil
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
