package storage

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFileLogger builds a structured logger that writes JSON lines to
// path, rotating the file the way a long-running buildmaster process
// expects: lumberjack handles rotation, slog handles structure and
// leveling.
func NewFileLogger(path string, level slog.Level) (*slog.Logger, *lumberjack.Logger) {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	}
	handler := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level})
	return slog.New(handler), lj
}

// discardLogger returns a logger that drops everything, used as the
// Connector default so callers aren't forced to supply one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
