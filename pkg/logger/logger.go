package logger

import (
	"context"
	"errors"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	JSON      bool `default:"false"` // JSON encoder instead of console
	NoColor   bool `default:"false"` // plain level names
	Verbose   int  `default:"0"`     // 0 is Info, 1 or more is Debug
	Quiet     bool `default:"false"` // raise the level to Warn
	AddCaller bool `default:"false"` // add caller info to each entry

	// File also writes JSON entries to a rotated log file when set.
	File       string `default:""`
	MaxSizeMB  int    `default:"10"`
	MaxBackups int    `default:"3"`
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
}

func level(cfg Config) zapcore.Level {
	lvl := zapcore.InfoLevel
	if cfg.Quiet {
		lvl = zapcore.WarnLevel
	}
	if cfg.Verbose > 0 && !cfg.Quiet {
		lvl = zapcore.DebugLevel
	}
	return lvl
}

func NewLogger(cfg Config) (*zap.Logger, func(context.Context) error, error) {
	encCfg := encoderConfig()

	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		if !cfg.NoColor && runtime.GOOS != "windows" {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// a CLI logs to stderr, stdout carries the results
	ws := zapcore.AddSync(os.Stderr)
	lvl := level(cfg)

	core := zapcore.NewCore(enc, ws, lvl)

	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), lvl)
		core = zapcore.NewTee(core, fileCore)
	}

	opts := []zap.Option{
		zap.ErrorOutput(ws),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.AddCaller || lvl == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}

	lg := zap.New(core, opts...)

	cleanup := func(_ context.Context) error {
		if err := lg.Sync(); err != nil {
			// Sync on stdout/stderr fails with EINVAL and friends on most platforms
			if !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTSUP) && !errors.Is(err, syscall.EBADF) {
				return err
			}
		}
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return lg, cleanup, nil
}
