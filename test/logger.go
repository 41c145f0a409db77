// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set: 1 logs at info, 2 at
// debug and 3 at trace.
func NewLogger() *logrus.Logger {
	l, _ := NewLoggerWithHook()
	return l
}

// NewLoggerWithHook is NewLogger plus a hook that records every entry logged at or above
// the logger's level, whether or not it is printed.
func NewLoggerWithHook() (*logrus.Logger, *logtest.Hook) {
	l := logrus.New()
	hook := logtest.NewLocal(l)

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l, hook
}
