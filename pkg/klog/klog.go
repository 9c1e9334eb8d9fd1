// Package klog builds the logrus logger shared by every component.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ParseLevel converts a configured level such as "DEBUG" or "warn".
// Unknown levels yield Info and an error.
func ParseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q, using INFO", levelStr)
	}
}

// New returns a logger writing to every output, or to stdout when none is
// given. An unknown level is logged as a warning and replaced by Info.
func New(levelStr string, outputs ...io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch len(outputs) {
	case 0:
		logger.SetOutput(os.Stdout)
	case 1:
		logger.SetOutput(outputs[0])
	default:
		logger.SetOutput(io.MultiWriter(outputs...))
	}

	level, err := ParseLevel(levelStr)
	logger.SetLevel(level)
	if err != nil {
		logger.Warn(err.Error())
	}
	return logger
}

// Open returns a logger writing to stdout and, when logPath is set, to
// that file as well. The returned closer releases the file.
func Open(levelStr, logPath string) (*logrus.Logger, io.Closer, error) {
	if logPath == "" {
		return New(levelStr, os.Stdout), io.NopCloser(nil), nil
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, nil, err
	}
	return New(levelStr, os.Stdout, logFile), logFile, nil
}
