package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging configures the global slog logger based on config and returns it.
// The returned closer releases the rotated log file, if any.
func SetupLogging(cfg LoggingConfig) (*slog.Logger, io.Closer) {
	logger, closer := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	return logger, closer
}

// NewLogger builds a logger writing to out and, when cfg.File is set, to a
// size-rotated file as well.
func NewLogger(cfg LoggingConfig, out io.Writer) (*slog.Logger, io.Closer) {
	level := parseLevel(cfg.Level)

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   ExpandTilde(cfg.File),
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, rotated)
		closer = rotated
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.File != "",
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
