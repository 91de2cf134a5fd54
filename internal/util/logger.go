package util

import (
	"fmt"
	"log"
	"log/slog"
)

// Logger wraps slog and provides traditional log.Printf style methods
type Logger struct {
	slogLogger *slog.Logger
}

// GetCompatLogger returns a logger that provides both slog and traditional log.Printf style methods
func GetCompatLogger() *Logger {
	return &Logger{
		slogLogger: GetLogger(),
	}
}

// With returns a compat logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogLogger: l.slogLogger.With(args...)}
}

// Printf provides log.Printf compatibility while using slog internally
func (l *Logger) Printf(format string, v ...any) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

// Debugf logs at debug level
func (l *Logger) Debugf(format string, v ...any) {
	if IsVerbose() {
		l.slogLogger.Debug(fmt.Sprintf(format, v...))
	}
}

// Errorf logs at error level
func (l *Logger) Errorf(format string, v ...any) {
	l.slogLogger.Error(fmt.Sprintf(format, v...))
}

// Warnf logs at warn level
func (l *Logger) Warnf(format string, v ...any) {
	l.slogLogger.Warn(fmt.Sprintf(format, v...))
}

// Infof logs at info level
func (l *Logger) Infof(format string, v ...any) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

// SetupGlobalLogger replaces the standard log package logger
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info(msg)
	return len(p), nil
}
