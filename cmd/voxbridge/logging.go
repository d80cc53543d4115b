package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/voxbridge/internal/config"
)

// newLogger builds the process logger. The returned LevelVar lets a config
// reload change verbosity, and closeFn releases the log file if one is open.
func newLogger(cfg config.ServerConfig) (logger *slog.Logger, level *slog.LevelVar, closeFn func(), err error) {
	level = new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))

	var w io.Writer = os.Stderr
	closeFn = func() {}
	if lf := cfg.LogFile; lf != nil {
		if info, statErr := os.Stat(lf.Path); statErr == nil && info.IsDir() {
			return nil, nil, nil, fmt.Errorf("log file %q is a directory", lf.Path)
		}
		rot := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays,
			Compress:   lf.Compress,
			LocalTime:  true,
		}
		w = rot
		closeFn = func() { _ = rot.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), level, closeFn, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
