// Package logger is the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// DebugEnv enables Debug level when set to true.
const DebugEnv = "SFMIMPORT_DEBUG"

var (
	level = new(slog.LevelVar)
	log   = newLogger(os.Stderr)
)

func init() {
	if os.Getenv(DebugEnv) == "true" {
		level.Set(slog.LevelDebug)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetVerbose switches between Info and Debug level.
func SetVerbose(verbose bool) {
	if verbose {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// SetOutput redirects log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	log = newLogger(w)
}

// L returns the underlying logger for callers that need With.
func L() *slog.Logger {
	return log
}

func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	log.Error(msg, args...)
}
