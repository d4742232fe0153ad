// Package logging configures the process-wide logrus logger used for the
// tool's own diagnostics. Shipped command output never goes through it.
package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the diagnostic log level and an optional rotating log file.
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies cfg to the standard logrus logger, writing to w and, when
// cfg.File is set, to a rotating file as well. The returned Closer releases
// the file.
func Setup(cfg Config, w io.Writer) (io.Closer, error) {
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q (valid: %v): %w", levelName, log.AllLevels, err)
	}

	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		log.SetOutput(w)
		return nopCloser{}, nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 10),
		MaxBackups: orDefault(cfg.MaxBackups, 3),
		MaxAge:     orDefault(cfg.MaxAgeDays, 28),
	}
	log.SetOutput(io.MultiWriter(w, lj))
	return lj, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
