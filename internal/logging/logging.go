// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects sinks and verbosity for the process logger.
type Options struct {
	// Path is the log file location. Empty disables the file sink.
	Path string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// MaxSizeMB, MaxBackups and MaxAgeDays drive file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console mirrors warnings and errors to stderr in a human format.
	Console bool
}

// New builds a logger writing JSON to the rotated file sink and, optionally,
// a console encoder to stderr. A zero Options value yields a stderr-only
// logger at info level.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Path != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 20),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level))
	}
	if opts.Console || opts.Path == "" {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		consoleLevel := level
		if opts.Path != "" {
			// With a file sink present the console only carries warnings.
			consoleLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			consoleLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, nil
}

// Nop returns a disabled logger for callers that pass none.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(s string) (zap.AtomicLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("unknown log level %q (allowed: debug, info, warn, error)", s)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
