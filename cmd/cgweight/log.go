//go:build linux

package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func newLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	l.SetLevel(lv)
	switch format {
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
	return l, nil
}
