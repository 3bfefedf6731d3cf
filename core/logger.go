package core

import "log"

// NopLogger discards every message. Useful in tests and benchmarks where
// log output is noise.
type NopLogger struct{}

func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Error(string, ...interface{}) {}

// StdLogger adapts the standard library's log package to Logger. It is
// the minimal reference implementation for embedders that don't already
// carry their own logging library.
type StdLogger struct {
	*log.Logger
}

// NewStdLogger wraps a *log.Logger (or log.Default() if l is nil).
func NewStdLogger(l *log.Logger) StdLogger {
	if l == nil {
		l = log.Default()
	}

	return StdLogger{Logger: l}
}

func (s StdLogger) Info(msg string, args ...interface{}) {
	s.Logger.Println(append([]interface{}{"INFO", msg}, args...)...)
}

func (s StdLogger) Debug(msg string, args ...interface{}) {
	s.Logger.Println(append([]interface{}{"DEBUG", msg}, args...)...)
}

func (s StdLogger) Error(msg string, args ...interface{}) {
	s.Logger.Println(append([]interface{}{"ERROR", msg}, args...)...)
}
