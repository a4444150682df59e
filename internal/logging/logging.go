// Package logging builds the process logger from the log section of the
// settings file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"movieshelf/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a timestamped zerolog logger writing to stdout and, when
// cfg.File is set, to a rotating file. The closer releases the file.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with the console writer replaced by out.
func NewWithWriter(cfg config.LogConfig, out io.Writer) (zerolog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)

	var closer io.Closer = nopCloser{}
	writer := out
	if strings.TrimSpace(cfg.File) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), closer, err
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		closer = fileWriter
		writer = io.MultiWriter(out, fileWriter)
	}

	logger := zerolog.New(zerolog.SyncWriter(writer)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
