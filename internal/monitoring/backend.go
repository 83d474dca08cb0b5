package monitoring

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions selects where and how verbosely the process logs.
type LogOptions struct {
	// File is a path to a rotating log file. Empty logs to stderr.
	File       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger builds the process logger. Rotation is handled by lumberjack
// when a file is configured.
func NewLogger(opts LogOptions) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	l.SetLevel(level)

	var out io.Writer = os.Stderr
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 20
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 5
		}
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
	}
	l.SetOutput(out)
	return l, nil
}

// UseLogrus routes Logf through l at info level.
func UseLogrus(l *logrus.Logger) {
	if l == nil {
		SetLogger(nil)
		return
	}
	SetLogger(l.Infof)
}
