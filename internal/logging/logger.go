// Package logging builds the process logger.
package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMegabytes = 50
	defaultMaxBackups       = 5
	defaultMaxAgeDays       = 30
	logDirectoryPermissions = 0o755
)

// Config selects the encoder, the level and an optional rotating log file.
type Config struct {
	Level            string
	Development      bool
	LogFile          string
	MaxSizeMegabytes int
	MaxBackups       int
	MaxAgeDays       int
	Compress         bool
	// Output receives every entry in addition to LogFile. Defaults to stdout.
	Output io.Writer
}

// CloseFunc flushes the logger and releases the rotating file, if any.
type CloseFunc func() error

// New returns a logger writing to Output and, when LogFile is set, to a
// lumberjack-rotated file.
func New(configuration Config) (*zap.Logger, CloseFunc, error) {
	level, levelErr := zapcore.ParseLevel(strings.TrimSpace(configuration.Level))
	if levelErr != nil || strings.TrimSpace(configuration.Level) == "" {
		level = zapcore.InfoLevel
		if configuration.Development {
			level = zapcore.DebugLevel
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	if configuration.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	output := configuration.Output
	if output == nil {
		output = os.Stdout
	}
	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(output)}

	var rotatingFile *lumberjack.Logger
	if logFile := strings.TrimSpace(configuration.LogFile); logFile != "" {
		if mkdirErr := os.MkdirAll(filepath.Dir(logFile), logDirectoryPermissions); mkdirErr != nil {
			return nil, nil, mkdirErr
		}
		rotatingFile = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    positiveOr(configuration.MaxSizeMegabytes, defaultMaxSizeMegabytes),
			MaxBackups: positiveOr(configuration.MaxBackups, defaultMaxBackups),
			MaxAge:     positiveOr(configuration.MaxAgeDays, defaultMaxAgeDays),
			Compress:   configuration.Compress,
		}
		writeSyncers = append(writeSyncers, zapcore.AddSync(rotatingFile))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writeSyncers...), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	closeFunc := func() error {
		syncErr := logger.Sync()
		if isIgnorableSyncError(syncErr) {
			syncErr = nil
		}
		if rotatingFile == nil {
			return syncErr
		}
		return errors.Join(syncErr, rotatingFile.Close())
	}
	return logger, closeFunc, nil
}

func positiveOr(value int, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// stdout and stderr reject fsync on most terminals.
func isIgnorableSyncError(syncErr error) bool {
	if syncErr == nil {
		return false
	}
	message := syncErr.Error()
	return strings.Contains(message, "invalid argument") || strings.Contains(message, "inappropriate ioctl")
}
