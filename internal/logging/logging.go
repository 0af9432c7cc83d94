// Package logging sets up the global zerolog logger, following the
// level-parsing pattern of the teacher's modules/advancedcache/config.go
// configure() (zerolog.ParseLevel + zerolog.SetGlobalLevel), extended
// with an optional rotating file sink via gopkg.in/natefinch/lumberjack.v2
// for the ambient "log to a file in production" case the teacher left
// to Caddy's own logging subsystem.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the global logger.
type Options struct {
	Level string

	// FilePath, if set, additionally writes logs to a lumberjack-rotated
	// file alongside stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init parses opts.Level and installs the global zerolog logger.
func Init(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}

	if opts.FilePath == "" {
		log.Logger = log.Output(console)
		return nil
	}

	fileSink := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    maxOr(opts.MaxSizeMB, 100),
		MaxBackups: maxOr(opts.MaxBackups, 5),
		MaxAge:     maxOr(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, fileSink))
	return nil
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
