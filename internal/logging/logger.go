// Package logging provides the shared structured logger for codepod.
//
// The library never forces a logging mode on the embedding process: L and S
// lazily initialize a development logger, and binaries call Init explicitly
// with the configured environment.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	logger *zap.Logger
	sugar  *zap.SugaredLogger
)

// Init builds the global logger for the given environment ("production"
// selects the JSON encoder, anything else the development console encoder).
// Safe to call more than once; later calls replace the logger.
func Init(environment string) {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
	sugar = l.Sugar()
}

// Replace installs a caller-provided logger (embedding hook).
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
	sugar = l.Sugar()
}

// L returns the global structured logger.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		initLocked()
	}
	return logger
}

// S returns the global sugared logger (printf-style).
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		initLocked()
	}
	return sugar
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

func initLocked() {
	env := os.Getenv("CODEPOD_ENV")
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
	sugar = l.Sugar()
}
