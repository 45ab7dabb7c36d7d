// Package-level configuration for structured logging.
//
// The runtime logs through a single swappable logiface logger. The
// default is disabled (nil logger, all call sites are no-ops); hosts
// that want output install one at startup:
//
//	zcoroutine.SetLogger(zcoroutine.NewJSONLogger(os.Stderr, logiface.LevelInformational))
//
// A package-level global is appropriate here because logging is an
// infrastructure cross-cutting concern shared by every scheduler and
// reactor instance in the process.

package zcoroutine

import (
	"io"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger installs the package logger. A nil logger disables logging.
func SetLogger(l *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = l
}

// logger returns the current package logger. The returned value may be
// nil; logiface builders are nil-safe, so call sites chain directly.
func logger() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

// NewJSONLogger builds a stumpy-backed JSON logger suitable for
// SetLogger, writing to w at the given minimum level.
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
