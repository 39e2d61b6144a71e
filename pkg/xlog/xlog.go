// Package xlog is the ambient logger every background task in this module
// writes through, mirroring the teacher repo's util.Info/Warn/Error/Debug
// calling convention but backed by a real structured logger instead of a
// bare log.Printf wrapper.
package xlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	sugared = logger.Sugar()
}

// SetLogger replaces the package-level logger, e.g. with a development
// config or a caller-supplied *zap.Logger wired into the host application's
// own logging pipeline.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugared = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

// Debug logs at debug level with printf-style formatting.
func Debug(format string, args ...any) { current().Debugf(format, args...) }

// Info logs at info level with printf-style formatting.
func Info(format string, args ...any) { current().Infof(format, args...) }

// Warn logs at warn level with printf-style formatting.
func Warn(format string, args ...any) { current().Warnf(format, args...) }

// Error logs at error level with printf-style formatting.
func Error(format string, args ...any) { current().Errorf(format, args...) }

// Sync flushes any buffered log entries; call before process exit.
func Sync() error { return current().Sync() }
