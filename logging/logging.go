package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SubSystem tags log lines with the part of the trainer that wrote them
type SubSystem string

const (
	Runner     SubSystem = "runner"
	Checkpoint SubSystem = "checkpoint"
	Data       SubSystem = "data"
	Dist       SubSystem = "dist"
	Eval       SubSystem = "eval"
	Config     SubSystem = "config"
)

// ParseLevel maps the Python-style level names used in experiment files
// (DEBUG, INFO, WARNING, ERROR, CRITICAL) to slog levels
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL", "FATAL":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", name)
}

// GetRootLogger builds the process logger. Rank 0 logs at level to stderr
// and, when logFile is set, to that file as well. Other ranks only log
// errors to stderr. The returned closer releases the log file.
func GetRootLogger(level string, logFile string, rank int) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if rank != 0 {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), nopCloser{}, nil
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create log directory")
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open log file")
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closer, nil
}

// With returns logger tagged with the subsystem
func With(logger *slog.Logger, subSystem SubSystem, keyvals ...any) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(append([]any{"subsystem", subSystem}, keyvals...)...)
}

// Discard is a logger that drops everything
func Discard() *slog.Logger {
	var lvl slog.LevelVar
	// above every normal level
	lvl.Set(slog.Level(100))
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: &lvl}))
}

// OrDiscard returns logger, or a discarding logger when it is nil
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
