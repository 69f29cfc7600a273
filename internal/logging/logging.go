// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to logrus levels. Empty means
// INFO.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return log.DebugLevel, nil
	case "", "INFO":
		return log.InfoLevel, nil
	case "WARN", "WARNING":
		return log.WarnLevel, nil
	case "ERROR":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Configure sets the level and console format and, when a file is set,
// attaches a rotating file for every level.
func Configure(opts Options) error {
	return configure(log.StandardLogger(), os.Stdout, opts)
}

func configure(l *log.Logger, console io.Writer, opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	l.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	l.SetOutput(console)

	if opts.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	maxAge := opts.MaxAgeDays
	if maxAge == 0 {
		maxAge = 30
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100,
		MaxBackups: 366,
		MaxAge:     maxAge,
		Compress:   true,
	}
	writers := lfshook.WriterMap{}
	for _, lv := range log.AllLevels {
		writers[lv] = lj
	}
	l.AddHook(lfshook.NewHook(writers, &log.TextFormatter{DisableColors: true, FullTimestamp: true}))
	return nil
}

// For returns a logger tagged with the component name.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}
