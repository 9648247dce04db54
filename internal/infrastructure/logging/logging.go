package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Service    string
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Init installs the process-wide logger. The returned writer is nil unless a
// log file is configured; callers close it on shutdown.
func Init(cfg Config) (*slog.Logger, *RotatingWriter, error) {
	writers := []io.Writer{os.Stdout}

	var rotating *RotatingWriter
	if strings.TrimSpace(cfg.File) != "" {
		writer, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, nil, err
		}
		rotating = writer
		writers = append(writers, writer)
	}

	level := ParseLevel(cfg.Level)
	logger := New(io.MultiWriter(writers...), cfg.Format, level)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)

	stdLogger := slog.NewLogLogger(logger.Handler(), level)
	log.SetFlags(0)
	log.SetOutput(stdLogger.Writer())

	return logger, rotating, nil
}

// New builds a logger writing to w. Format is "json" or "text".
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
