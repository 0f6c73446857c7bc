package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := NewDebugLogger()

	logger.Debug(ctx, "debug message")
	logger.Infof(ctx, "count %d", 42)
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	logger.AssertJSONMessages(t, `
{"level":"debug","message":"debug message"}
{"level":"info","message":"count 42"}
{"level":"warn","message":"warn message"}
{"level":"error","message":"error message"}
`)
	assert.Contains(t, logger.WarnAndErrorMessages(), "warn message")
	assert.Contains(t, logger.WarnAndErrorMessages(), "error message")
	assert.NotContains(t, logger.WarnAndErrorMessages(), "debug message")

	logger.Truncate()
	assert.Empty(t, logger.AllMessages())
}

func TestWithComponent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := NewDebugLogger()

	child := logger.WithComponent("engine").WithComponent("queue")
	child.Info(ctx, "queued")

	logger.AssertJSONMessages(t, `{"level":"info","message":"queued","component":"engine.queue"}`)
}

func TestCompareJSONMessages(t *testing.T) {
	t.Parallel()
	actual := `
{"level":"info","message":"first"}
{"level":"info","message":"second attempt 3"}
`
	require.NoError(t, CompareJSONMessages(`{"message":"second attempt %d"}`, actual))
	require.Error(t, CompareJSONMessages(`{"message":"missing"}`, actual))

	// Order matters.
	require.Error(t, CompareJSONMessages(`
{"message":"second attempt %d"}
{"message":"first"}
`, actual))
}
