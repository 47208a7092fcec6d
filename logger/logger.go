/*
Package logger builds the application logger.

PURPOSE:
  One logrus.Logger for the whole process. Core packages receive it as a
  logrus.FieldLogger and add their own fields.

OUTPUT:
  Always stdout. When LOG_FILE is set the same entries also go to a
  lumberjack-rotated file.

SEE ALSO:
  - config/config.go: LOG_LEVEL, LOG_FORMAT, LOG_FILE
  - api/middleware.go: per-request logging
*/
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level  string
	Format string // text | json
	File   string

	// Rotation; zero values fall back to lumberjack defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a logger and returns a closer for the rotating file, if any.
func New(opts Options) (*logrus.Logger, io.Closer) {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if opts.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	if opts.File == "" {
		log.SetOutput(os.Stdout)
		return log, nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return log, file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
