package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/pkg/coordination/retry"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
	"github.com/keboola/go-coordclient/pkg/coordination/transport/transporttest"
)

func newTestConfig() Config {
	config := NewConfig()
	config.ConnectionTimeout = time.Second
	config.ForcedSleep = 5 * time.Millisecond
	config.MaxCloseWait = time.Second
	return config
}

func newTestClient(t *testing.T, tr *transporttest.Transport, policy retry.Policy, config Config) *Client {
	t.Helper()
	client, err := New(tr, policy, config, WithLogger(log.NewDebugLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// startConnected starts the client with a connected transport and waits for
// the CONNECTED transition.
func startConnected(t *testing.T, client *Client, tr *transporttest.Transport) {
	t.Helper()
	require.NoError(t, client.Start(context.Background()))
	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.WaitConnected(ctx))
}

func TestClient_SubmitAndComplete(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	results := make(chan Result, 1)
	op := NewOperation(transport.OpCreate, "/node", []byte("value"))
	op.Context = "token"
	op.Callback = func(result Result) {
		results <- result
	}
	assert.True(t, client.Submit(op))

	select {
	case result := <-results:
		require.NoError(t, result.Err)
		assert.Equal(t, transport.OpCreate, result.Kind)
		assert.Equal(t, "/node", result.Path)
		assert.Equal(t, "token", result.Context)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestClient_StartOnlyOnce(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	require.NoError(t, client.Start(context.Background()))
	require.Error(t, client.Start(context.Background()))
}

func TestClient_SubmitBeforeStart(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())

	results := make(chan Result, 1)
	op := NewOperation(transport.OpGet, "/node", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	assert.False(t, client.Submit(op))

	// The terminal result is delivered synchronously.
	result := <-results
	require.ErrorIs(t, result.Err, transport.ErrSessionExpired)
}

func TestClient_Do(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.NTimes(2, time.Millisecond), newTestConfig())
	startConnected(t, client, tr)

	result, err := client.Do(context.Background(), NewOperation(transport.OpGet, "/node", nil))
	require.NoError(t, err)
	assert.Equal(t, "/node", result.Path)
}

func TestClient_Do_TerminalErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	tr.OnExecute(func(op transport.Op) (transport.Result, error) {
		return transport.Result{}, transport.ErrNoNode
	})
	client := newTestClient(t, tr, retry.NTimes(5, time.Millisecond), newTestConfig())
	startConnected(t, client, tr)

	_, err := client.Do(context.Background(), NewOperation(transport.OpGet, "/missing", nil))
	require.ErrorIs(t, err, transport.ErrNoNode)
	assert.Len(t, tr.ExecutedOps(), 1)
}

func TestClient_Do_BeforeStart(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())

	_, err := client.Do(context.Background(), NewOperation(transport.OpGet, "/node", nil))
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestClient_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	config := newTestConfig()
	config.ForcedSleep = 50 * time.Millisecond
	client := newTestClient(t, tr, retry.Never(), config)
	require.NoError(t, client.Start(context.Background()))

	// The transport stays disconnected, the operations cycle in forced sleep.
	results := make(chan Result, 3)
	for i := 0; i < 3; i++ {
		op := NewOperation(transport.OpCreate, "/node", nil)
		op.Callback = func(result Result) {
			results <- result
		}
		require.True(t, client.Submit(op))
	}

	require.NoError(t, client.Close())

	for i := 0; i < 3; i++ {
		select {
		case result := <-results:
			require.ErrorIs(t, result.Err, transport.ErrSessionExpired)
		case <-time.After(time.Second):
			t.Fatalf("missing terminal callback %d", i)
		}
	}
	select {
	case result := <-results:
		t.Fatalf("unexpected extra callback: %+v", result)
	default:
	}

	// Submission after close is rejected, with the same terminal result.
	op := NewOperation(transport.OpCreate, "/node", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	assert.False(t, client.Submit(op))
	result := <-results
	require.ErrorIs(t, result.Err, transport.ErrSessionExpired)
}

func TestClient_ForcedSleepUntilConnected(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	config := newTestConfig()
	config.ForcedSleep = 5 * time.Millisecond
	config.ConnectionTimeout = 10 * time.Second
	client := newTestClient(t, tr, retry.Never(), config)
	require.NoError(t, client.Start(context.Background()))

	results := make(chan Result, 1)
	op := NewOperation(transport.OpCreate, "/node", []byte("value"))
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	// Every forced-sleep cycle forces a connection attempt.
	assert.Eventually(t, func() bool {
		return tr.ConnectCalls() >= 3
	}, time.Second, time.Millisecond)

	// Recovery completes the operation, connection loss was never surfaced.
	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	select {
	case result := <-results:
		require.NoError(t, result.Err)
		assert.Equal(t, "/node", result.Path)
	case <-time.After(time.Second):
		t.Fatal("operation was not completed after recovery")
	}
}

func TestClient_ConnectionTimeoutFeedsRetryPolicy(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	config := newTestConfig()
	config.ForcedSleep = time.Millisecond
	config.ConnectionTimeout = 10 * time.Millisecond
	client := newTestClient(t, tr, retry.Never(), config)
	require.NoError(t, client.Start(context.Background()))

	results := make(chan Result, 1)
	op := NewOperation(transport.OpCreate, "/node", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	select {
	case result := <-results:
		require.ErrorIs(t, result.Err, ErrRetriesExhausted)
		require.ErrorIs(t, result.Err, transport.ErrConnectionLoss)
	case <-time.After(time.Second):
		t.Fatal("operation did not fail after the connection timeout")
	}

	// The terminal timeout is reflected in the connection state.
	assert.Eventually(t, func() bool {
		return client.ConnectionState() == StateSuspended
	}, time.Second, time.Millisecond)
}

func TestClient_ReconnectBypassesRetryDelay(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	config := newTestConfig()
	config.ForcedSleep = 5 * time.Millisecond
	config.ConnectionTimeout = 25 * time.Millisecond

	// The retry delay is far beyond the test timeout, the operation can
	// complete in time only through the un-sleep path.
	client := newTestClient(t, tr, retry.NTimes(3, time.Hour), config)
	require.NoError(t, client.Start(context.Background()))

	results := make(chan Result, 1)
	op := NewOperation(transport.OpCreate, "/node", []byte("value"))
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	// Wait until the connection timeout turned into a retry attempt.
	assert.Eventually(t, func() bool {
		return len(tr.ExecutedOps()) == 0 && tr.ConnectCalls() >= 2
	}, time.Second, time.Millisecond)
	time.Sleep(2 * config.ConnectionTimeout)

	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	select {
	case result := <-results:
		require.NoError(t, result.Err)
		assert.Equal(t, "/node", result.Path)
	case <-time.After(time.Second):
		t.Fatal("operation did not complete via the un-sleep path")
	}
}

// A reconnection storm drains the forced-sleep set while the dispatch loop is
// mid retry decision on the same operations. Every operation must still get
// exactly one terminal callback, under the race detector this also covers the
// sleep bookkeeping.
func TestClient_UnsleepStormDuringRetries(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	config := newTestConfig()
	config.ConnectionTimeout = time.Nanosecond
	client := newTestClient(t, tr, retry.NTimes(20, 50*time.Microsecond), config)
	require.NoError(t, client.Start(context.Background()))

	stop := make(chan struct{})
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tr.SendState(transport.StateSyncConnected)
			}
		}
	}()

	const count = 50
	terminal := atomic.NewInt64(0)
	for i := 0; i < count; i++ {
		op := NewOperation(transport.OpGet, "/node", nil)
		op.Callback = func(result Result) {
			terminal.Inc()
		}
		require.True(t, client.Submit(op))
	}

	assert.Eventually(t, func() bool {
		return terminal.Load() == count
	}, 10*time.Second, time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Equal(t, int64(count), terminal.Load())
}

func TestClient_RetryExhausted(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	tr.OnExecute(func(op transport.Op) (transport.Result, error) {
		return transport.Result{}, transport.ErrConnectionLoss
	})
	client := newTestClient(t, tr, retry.NTimes(2, time.Millisecond), newTestConfig())
	startConnected(t, client, tr)

	unhandled := make(chan error, 1)
	client.OnUnhandledError(func(reason string, err error) {
		unhandled <- err
	})

	results := make(chan Result, 1)
	errorCallbacks := 0
	op := NewOperation(transport.OpGet, "/node", nil)
	op.ErrorCallback = func(p *PendingOperation) {
		errorCallbacks++
	}
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	select {
	case result := <-results:
		require.ErrorIs(t, result.Err, ErrRetriesExhausted)
		require.ErrorIs(t, result.Err, transport.ErrConnectionLoss)
		assert.Equal(t, 1, errorCallbacks)
	case <-time.After(time.Second):
		t.Fatal("operation did not fail")
	}
	require.ErrorIs(t, <-unhandled, transport.ErrConnectionLoss)
	assert.Len(t, tr.ExecutedOps(), 3)
}

func TestClient_SessionTerminalErrorBypassesRetry(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	tr.OnExecute(func(op transport.Op) (transport.Result, error) {
		return transport.Result{}, transport.ErrSessionExpired
	})
	client := newTestClient(t, tr, retry.NTimes(5, time.Millisecond), newTestConfig())
	startConnected(t, client, tr)

	results := make(chan Result, 1)
	op := NewOperation(transport.OpGet, "/node", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	result := <-results
	require.ErrorIs(t, result.Err, transport.ErrSessionExpired)
	assert.Len(t, tr.ExecutedOps(), 1)
}

func TestClient_InstanceIndexChangeMeansLost(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())

	recorder := &stateRecorder{}
	client.SubscribeConnectionState(recorder.record)
	startConnected(t, client, tr)

	// A new index while connected synthesizes LOST before RECONNECTED.
	tr.SetInstanceIndex(2)
	tr.SendState(transport.StateSyncConnected)

	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []ConnectionState{StateConnected, StateLost, StateReconnected}, recorder.snapshot())
}

func TestClient_ReadOnlyConnection(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	recorder := &stateRecorder{}
	client.SubscribeConnectionState(recorder.record)
	require.NoError(t, client.Start(context.Background()))

	tr.SetConnected(true)
	tr.SendState(transport.StateConnectedReadOnly)

	// A read-only replica satisfies the wait and serves operations.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.WaitConnected(ctx))
	assert.Equal(t, StateReadOnly, client.ConnectionState())

	results := make(chan Result, 1)
	op := NewOperation(transport.OpGet, "/node", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))
	select {
	case result := <-results:
		require.NoError(t, result.Err)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}

	// Quorum recovered, the session is writable again.
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []ConnectionState{StateReadOnly, StateReconnected}, recorder.snapshot())
}

func TestClient_CallbackPanicDoesNotStopDispatch(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	op := NewOperation(transport.OpGet, "/first", nil)
	op.Callback = func(result Result) {
		panic("callback failure")
	}
	require.True(t, client.Submit(op))

	results := make(chan Result, 1)
	op = NewOperation(transport.OpGet, "/second", nil)
	op.Callback = func(result Result) {
		results <- result
	}
	require.True(t, client.Submit(op))

	select {
	case result := <-results:
		require.NoError(t, result.Err)
		assert.Equal(t, "/second", result.Path)
	case <-time.After(time.Second):
		t.Fatal("dispatch loop stopped after a callback panic")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, LifecycleStopped, client.State())
}

func TestClient_CloseWithoutStart(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	require.NoError(t, client.Close())
	assert.Equal(t, LifecycleStopped, client.State())
}

func TestClient_EventListeners(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	events := make(chan Event, 10)
	id := client.SubscribeEvents(func(event Event) {
		events <- event
	})

	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/node", Data: []byte("value")})
	select {
	case event := <-events:
		assert.Equal(t, transport.EventNodeCreated, event.Type)
		assert.Equal(t, "/node", event.Path)
		assert.Equal(t, []byte("value"), event.Data)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	assert.True(t, client.UnsubscribeEvents(id))
	assert.False(t, client.UnsubscribeEvents(id))
}

func TestClient_InvalidConfig(t *testing.T) {
	t.Parallel()
	config := NewConfig()
	config.StateQueueSize = 0
	_, err := New(transporttest.New(), retry.Never(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordination client config is not valid")
}
