// Package obslog is the diagnostics logger for the core's own operation —
// signaling errors, teardown, reconnection accounting. It is not the log
// data plane (see internal/entry for the forwarded LogEntry shape).
package obslog

import (
	"io"
	"log/slog"
	"os"
)

var log *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Init reconfigures the package logger. Pass an empty logFile to log to
// stderr only.
func Init(level string, logFile string) error {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	log = slog.New(handler)
	return nil
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { log.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { log.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { log.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { log.Error(msg, args...) }
