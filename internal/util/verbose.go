package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *slog.Logger
	verbose  bool
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(v bool) {
	InitLoggerTo(os.Stdout, v)
}

// InitLoggerTo initializes the global logger writing to w.
func InitLoggerTo(w io.Writer, v bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if v {
		opts.Level = slog.LevelDebug
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	verbose = v
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// IsVerbose reports whether debug output was requested, either through
// InitLogger or a --verbose flag on the command line.
func IsVerbose() bool {
	loggerMu.Lock()
	v := verbose
	loggerMu.Unlock()
	if v {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-v" {
			return true
		}
	}
	return false
}
