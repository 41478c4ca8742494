// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package logging is the process-wide logging facade for the reactor.
// It is a thin wrapper over zap; the default logger writes to stderr
// and can be swapped for a rotating-file logger or any zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.SugaredLogger

func init() {
	logger = newConsoleLogger(zapcore.InfoLevel).Sugar()
}

func newConsoleLogger(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// FileConfig describes a rotating log file sink.
type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init replaces the default logger with one at the given level, writing
// to a rotating file when cfg is non-nil.
func Init(level zapcore.Level, cfg *FileConfig) {
	if cfg == nil {
		logger = newConsoleLogger(level).Sugar()
		return
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		w,
		level,
	)
	logger = zap.New(core).Sugar()
}

// SetLogger installs a caller-provided zap logger.
func SetLogger(l *zap.Logger) {
	logger = l.Sugar()
}

func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs and exits the process. Reserved for invariant violations.
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// Debugfunc evaluates f only when debug logging is enabled.
func Debugfunc(f func() string) {
	if logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		logger.Debug(f())
	}
}

// Sync flushes buffered log entries.
func Sync() error {
	return logger.Sync()
}
