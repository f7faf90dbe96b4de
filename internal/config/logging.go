package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds a text logger on stderr, adds a JSON file handler when
// logFile is set, and fans out to any extra handlers. The returned cleanup
// closes the log file.
func SetupLogger(logFile string, level slog.Level, extra ...slog.Handler) (*slog.Logger, func() error) {
	return setupLogger(os.Stderr, logFile, level, extra...)
}

func setupLogger(stderr io.Writer, logFile string, level slog.Level, extra ...slog.Handler) (*slog.Logger, func() error) {
	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}
	cleanup := func() error { return nil }

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.New(handlers[0]).Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
			cleanup = file.Close
		}
	}

	handlers = append(handlers, extra...)
	return slog.New(slogmulti.Fanout(handlers...)), cleanup
}
