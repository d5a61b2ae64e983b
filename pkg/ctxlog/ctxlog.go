// Package ctxlog carries a logrus logger in context.Context.
package ctxlog

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

var root = logrus.New()

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a child context such that FromContext(child) returns logger.
func Context(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached by Context, or the root logger without fields.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
			return logger
		}
	}
	return logrus.NewEntry(root)
}

// With returns a child context whose logger has the fields added.
func With(ctx context.Context, fields logrus.Fields) (context.Context, *logrus.Entry) {
	l := FromContext(ctx).WithFields(fields)
	return Context(ctx, l), l
}

// New creates a logger.
//
// level is one of logrus level names. format is "text" or "json".
func New(out io.Writer, level string, format string) (*logrus.Logger, error) {
	l := logrus.New()
	l.Out = out
	if err := setLevel(l, level); err != nil {
		return nil, err
	}
	if err := setFormat(l, format); err != nil {
		return nil, err
	}
	return l, nil
}

// SetRoot replaces the logger returned by FromContext for contexts without loggers.
func SetRoot(l *logrus.Logger) {
	root = l
}

func setLevel(l *logrus.Logger, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

func setFormat(l *logrus.Logger, format string) error {
	switch format {
	case "text", "":
		l.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		}
	default:
		return fmt.Errorf("unknown log format: %s (should be text or json)", format)
	}
	return nil
}
