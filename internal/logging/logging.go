package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Params struct {
	Level string

	// File, when set, also receives JSON logs through a rotating writer.
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

func levelOf(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Build returns a development logger at debug level and a production logger
// otherwise.
func Build(params Params) (*zap.Logger, error) {
	var cfg zap.Config
	switch params.Level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(levelOf(params.Level))

	if params.File == "" {
		return cfg.Build()
	}

	rotate := &lumberjack.Logger{
		Filename:   params.File,
		MaxSize:    params.MaxSize,
		MaxBackups: params.MaxBackups,
		MaxAge:     params.MaxAge,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotate),
		cfg.Level,
	)

	return cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}
