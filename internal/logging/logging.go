package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup returns a logrus.Logger writing to stderr. format is "text" or
// "json"; level is any logrus level name ("debug", "info", "warn", ...).
func Setup(format, level string) (*logrus.Logger, error) {
	return New(os.Stderr, format, level)
}

// New is Setup with an explicit writer.
func New(out io.Writer, format, level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	return l, nil
}

// LogError logs err at error level with the calling module and function.
func LogError(log logrus.FieldLogger, module, funcName, context string, err error) {
	log.WithFields(logrus.Fields{
		"module":   module,
		"funcName": funcName,
		"context":  context,
	}).Error(err.Error())
}
