package guda

import (
	"log"
	"os"
	"sync/atomic"
)

var logger = newLogger()

func newLogger() *atomic.Pointer[log.Logger] {
	var p atomic.Pointer[log.Logger]
	p.Store(log.New(os.Stderr, "guda: ", log.LstdFlags))
	return &p
}

// Logger returns the logger used by the runtime.
func Logger() *log.Logger {
	return logger.Load()
}

// SetLogger replaces the runtime logger. A nil logger discards output.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(discard{}, "", 0)
	}
	logger.Store(l)
}

// Logf logs through the runtime logger when the context is verbose.
func (ctx *Context) Logf(format string, args ...interface{}) {
	if ctx.config.Verbose {
		logger.Load().Printf(format, args...)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
