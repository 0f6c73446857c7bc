// Package log provides the Logger interface used across the repository.
// It is a thin wrapper above the zap library.
package log

import (
	"context"
	"io"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

type Logger interface {
	// Debug logs the message in the debug level.
	Debug(ctx context.Context, message string)
	// Info logs the message in the info level.
	Info(ctx context.Context, message string)
	// Warn logs the message in the warning level.
	Warn(ctx context.Context, message string)
	// Error logs the message in the error level.
	Error(ctx context.Context, message string)

	// Debugf logs the formatted message in the debug level.
	Debugf(ctx context.Context, template string, args ...any)
	// Infof logs the formatted message in the info level.
	Infof(ctx context.Context, template string, args ...any)
	// Warnf logs the formatted message in the warning level.
	Warnf(ctx context.Context, template string, args ...any)
	// Errorf logs the formatted message in the error level.
	Errorf(ctx context.Context, template string, args ...any)

	// WithComponent returns a clone of the logger with the component field set.
	// Nested calls compose the component name using a dot separator.
	WithComponent(component string) Logger

	Sync() error
}

// DebugLogger returns logs as string in tests.
type DebugLogger interface {
	Logger
	ConnectTo(writer io.Writer)
	Truncate()
	AllMessages() string
	DebugMessages() string
	InfoMessages() string
	WarnMessages() string
	ErrorMessages() string
	WarnAndErrorMessages() string

	// CompareJSONMessages checks that expected json messages appear in the log in the same order.
	CompareJSONMessages(expected string) error
	// AssertJSONMessages checks that expected json messages appear in the log in the same order.
	AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool
}
