package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Log output formats accepted by LOG_FORMAT.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// conversationLogPattern names the per-run log file written under LOG_DIR.
const conversationLogPattern = "agent_conversation_%s.log"

// parseLogLevel maps LOG_LEVEL onto a slog level. Unknown values fall back to info.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// newLogHandler builds the slog handler for format writing to w.
func newLogHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", LogFormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	case LogFormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case LogFormatPretty:
		return log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Level:           log.Level(level),
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// initializeLogger installs the default slog logger. When logDir is set the output is also written to a
// timestamped file there; the returned func closes it.
func initializeLogger(w io.Writer, cfg *appConfig) (func(), error) {
	closeFn := func() {}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return closeFn, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf(conversationLogPattern, time.Now().Format("20060102_150405"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closeFn, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeFn = func() { _ = f.Close() }
	}

	handler, err := newLogHandler(w, cfg.LogFormat, parseLogLevel(cfg.LogLevel))
	if err != nil {
		closeFn()
		return func() {}, err
	}
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}
