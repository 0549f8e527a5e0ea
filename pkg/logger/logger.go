package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	ServiceName   string
	IsDebug       bool
	IsDevelopment bool

	// LogDir adds a size-rotated JSON file sink when non-empty.
	LogDir string

	InitialFields []zap.Field
	Cores         []zapcore.Core
}

func New(config Config) (*zap.Logger, error) {
	var level zap.AtomicLevel
	if config.IsDebug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       config.IsDevelopment,
		DisableStacktrace: false,
		Sampling:          nil,
		Encoding:          "json",
		EncoderConfig:     GetEncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths: []string{
			"stdout",
		},
		ErrorOutputPaths: []string{
			"stderr",
		},
	}

	cores := make([]zapcore.Core, 0)

	if config.LogDir != "" {
		cores = append(cores, fileCore(config.LogDir, config.ServiceName, level))
	}

	cores = append(cores, config.Cores...)

	logger, err := zapConfig.Build(
		zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			cores = append(cores, c)

			return zapcore.NewTee(cores...)
		}),
		zap.Fields(
			zap.String("service", config.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(config.InitialFields...),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	return logger, nil
}

func fileCore(dir, service string, level zap.AtomicLevel) zapcore.Core {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(dir, service+".log"),
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	return zapcore.NewCore(
		zapcore.NewJSONEncoder(GetEncoderConfig(zapcore.DefaultLineEnding)),
		zapcore.AddSync(writer),
		level,
	)
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}
