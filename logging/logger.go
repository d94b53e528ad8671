package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide logger. It writes to stderr until Init is called.
var Logger = logrus.New()

var once sync.Once

// Options controls where and how the logger writes.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // rotated log file; stderr when empty
}

// Init configures Logger. Only the first call has any effect.
func Init(opts Options) {
	once.Do(func() {
		configure(Logger, opts)
		Logger.WithFields(logrus.Fields{
			"level":  Logger.GetLevel().String(),
			"format": opts.Format,
			"file":   opts.File,
		}).Info("logger initialized")
	})
}

func configure(l *logrus.Logger, opts Options) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			l.Warnf("failed to create log directory, logging to stderr: %v", err)
		} else {
			out = &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
		}
	}
	l.SetOutput(out)
}
