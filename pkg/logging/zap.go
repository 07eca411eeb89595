package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig selects how the runner's own diagnostics are written. Child
// process output never goes through here, it goes to the renderer.
type ZapConfig struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Output string // stderr (default) or stdout
	Caller bool
}

func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "warn",
		Format: "console",
		Output: "stderr",
	}
}

// ZapLogger adapts a zap sugared logger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(config ZapConfig) (*ZapLogger, error) {
	zl, err := createZapLogger(config)
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: zl.Sugar()}, nil
}

// NewZapLoggerFrom wraps an already built zap logger, e.g. zaptest/observer cores in tests.
func NewZapLoggerFrom(zl *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: zl.Sugar()}
}

func (z *ZapLogger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelInfo:
		z.sugar.Infof(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	default:
		z.sugar.Errorf(format, args...)
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) { z.sugar.Debugf(format, args...) }
func (z *ZapLogger) Infof(format string, args ...interface{})  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warnf(format string, args ...interface{})  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Errorf(format string, args ...interface{}) { z.sugar.Errorf(format, args...) }

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

func createZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		writeSyncer = zapcore.Lock(os.Stdout)
	case "stderr", "":
		writeSyncer = zapcore.Lock(os.Stderr)
	default:
		return nil, fmt.Errorf("invalid log output: %s", config.Output)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return zap.New(core, opts...), nil
}
