package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to stdout and, when file is set, appending to it.
// The returned closer releases the log file.
func New(level, file string) (*logrus.Logger, io.Closer) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else if level != "" {
		log.Warnf("unknown log level %q, using info", level)
	}

	if file == "" {
		return log, nopCloser{}
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Warnf("failed to log to %s, using stdout only: %v", file, err)
		return log, nopCloser{}
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	return log, f
}

func Component(log logrus.FieldLogger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
