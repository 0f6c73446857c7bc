package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is the default implementation of the Logger interface.
type zapLogger struct {
	core      zapcore.Core
	sugar     *zap.SugaredLogger
	component string
}

// NewLogger creates a logger above the given zap core.
func NewLogger(core zapcore.Core) Logger {
	return newZapLogger(core, "")
}

// NewServiceLogger creates a production JSON logger writing to stderr.
func NewServiceLogger(level zapcore.Level) Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.MessageKey = "message"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return newZapLogger(core, "")
}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() Logger {
	return newZapLogger(zapcore.NewNopCore(), "")
}

func newZapLogger(core zapcore.Core, component string) *zapLogger {
	base := zap.New(core)
	if component != "" {
		base = base.With(zap.String("component", component))
	}
	return &zapLogger{core: core, sugar: base.Sugar(), component: component}
}

func (l *zapLogger) WithComponent(component string) Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return newZapLogger(l.core, component)
}

func (l *zapLogger) Debug(ctx context.Context, message string) { l.sugar.Debug(message) }
func (l *zapLogger) Info(ctx context.Context, message string)  { l.sugar.Info(message) }
func (l *zapLogger) Warn(ctx context.Context, message string)  { l.sugar.Warn(message) }
func (l *zapLogger) Error(ctx context.Context, message string) { l.sugar.Error(message) }

func (l *zapLogger) Debugf(ctx context.Context, template string, args ...any) {
	l.sugar.Debugf(template, args...)
}

func (l *zapLogger) Infof(ctx context.Context, template string, args ...any) {
	l.sugar.Infof(template, args...)
}

func (l *zapLogger) Warnf(ctx context.Context, template string, args ...any) {
	l.sugar.Warnf(template, args...)
}

func (l *zapLogger) Errorf(ctx context.Context, template string, args ...any) {
	l.sugar.Errorf(template, args...)
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}
