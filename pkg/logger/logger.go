// Package logger wraps logrus behind the small surface the rest of qflow
// logs through: leveled, json- or text-formatted, writing to stdout or to a
// per-deployment log file tee'd with stdout. Components attach execId/
// stepId/requestId fields via the With* helpers so log lines correlate
// with ledger records and emitted events.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultFilePrefix names the log file when file output is configured
// without an explicit prefix.
const DefaultFilePrefix = "qflow"

// logDir is where file output lands, relative to the working directory.
const logDir = "logs"

// Logger embeds a configured *logrus.Logger, promoting the WithField/
// WithFields/WithError surface the rest of qflow logs through; callers
// that need the plain logrus value reach it via the embedded field.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig selects level, format and output. It mirrors
// internal/config.LoggingConfig, which owns the env/file decoding.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	FilePrefix string `json:"filePrefix" yaml:"filePrefix"`
}

// New builds a Logger from cfg. An unknown level falls back to info, an
// unknown format to text, and an unopenable log file to stdout only, so a
// misconfigured deployment keeps logging instead of going dark.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.Output, "file") {
		if file, ferr := openLogFile(cfg.FilePrefix); ferr != nil {
			l.WithError(ferr).Error("file log output unavailable, logging to stdout only")
		} else {
			l.SetOutput(io.MultiWriter(os.Stdout, file))
		}
	}

	return &Logger{Logger: l}
}

func openLogFile(prefix string) (io.Writer, error) {
	if prefix == "" {
		prefix = DefaultFilePrefix
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(logDir, prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
