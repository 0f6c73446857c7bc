package coordination

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/retry"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
	"github.com/keboola/go-coordclient/pkg/coordination/transport/transporttest"
)

// eventRecorder collects delivered watch events, safe for concurrent use.
type eventRecorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestPersistentWatcher_ArmOnConnect(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	require.NoError(t, client.Start(context.Background()))

	w := client.NewPersistentWatcher("/node", transport.WatchData, false)
	w.Start(context.Background())

	// Not armed while disconnected.
	assert.Empty(t, tr.Watches())

	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(tr.Watches()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, transporttest.Watch{Path: "/node", Kind: transport.WatchData}, tr.Watches()[0])
}

func TestPersistentWatcher_RearmOnReconnect(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	require.NoError(t, client.Start(context.Background()))

	w := client.NewPersistentWatcher("/node", transport.WatchData, false)
	w.Start(context.Background())

	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(tr.Watches()) == 1
	}, time.Second, time.Millisecond)

	// The session is replaced, the watch is re-armed against the new connection.
	tr.SetInstanceIndex(2)
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(tr.Watches()) == 2
	}, time.Second, time.Millisecond)
}

func TestPersistentWatcher_RecursiveFallback(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	tr.SetRecursiveWatchSupport(false)
	tr.OnExecute(func(op transport.Op) (transport.Result, error) {
		if op.Kind == transport.OpChildren {
			return transport.Result{Path: op.Path, Children: []string{"a", "b"}}, nil
		}
		return transport.Result{Path: op.Path}, nil
	})
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	require.NoError(t, client.Start(context.Background()))

	w := client.NewPersistentWatcher("/parent", transport.WatchData, true)
	w.Start(context.Background())

	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(tr.Watches()) == 3
	}, time.Second, time.Millisecond)

	watches := tr.Watches()
	assert.Equal(t, transporttest.Watch{Path: "/parent", Kind: transport.WatchData}, watches[0])
	assert.Equal(t, transporttest.Watch{Path: "/parent/a", Kind: transport.WatchData}, watches[1])
	assert.Equal(t, transporttest.Watch{Path: "/parent/b", Kind: transport.WatchData}, watches[2])
}

// Refused child registrations do not stop the fallback, the survivors are
// armed and the failures are reported as one aggregated warning.
func TestPersistentWatcher_RecursiveFallbackPartialFailure(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	tr.SetRecursiveWatchSupport(false)
	tr.OnExecute(func(op transport.Op) (transport.Result, error) {
		if op.Kind == transport.OpChildren {
			return transport.Result{Path: op.Path, Children: []string{"a", "b", "c"}}, nil
		}
		return transport.Result{Path: op.Path}, nil
	})
	tr.OnAddWatch(func(path string) error {
		if path == "/parent/a" || path == "/parent/c" {
			return errors.New("watch refused")
		}
		return nil
	})

	logger := log.NewDebugLogger()
	client, err := New(tr, retry.Never(), newTestConfig(), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Start(context.Background()))

	w := client.NewPersistentWatcher("/parent", transport.WatchData, true)
	w.Start(context.Background())

	tr.SetConnected(true)
	tr.SendState(transport.StateSyncConnected)
	assert.Eventually(t, func() bool {
		return len(tr.Watches()) == 2
	}, time.Second, time.Millisecond)

	watches := tr.Watches()
	assert.Equal(t, "/parent", watches[0].Path)
	assert.Equal(t, "/parent/b", watches[1].Path)

	assert.Eventually(t, func() bool {
		return strings.Contains(logger.WarnAndErrorMessages(), "2 errors occurred")
	}, time.Second, time.Millisecond)
	assert.Contains(t, logger.WarnAndErrorMessages(), "/parent/a")
	assert.Contains(t, logger.WarnAndErrorMessages(), "/parent/c")
}

func TestPersistentWatcher_EventRouting(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	w := client.NewPersistentWatcher("/parent", transport.WatchData, true)
	w.Start(context.Background())
	recorder := &eventRecorder{}
	w.Listen(recorder.record)

	// A child event and the node event match, an unrelated path does not.
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/parent/child", Data: []byte("value")})
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeDataChanged, Path: "/parent"})
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/parent-sibling"})
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeDeleted, Path: "/other"})

	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 2
	}, time.Second, time.Millisecond)
	events := recorder.snapshot()
	assert.Equal(t, transport.EventNodeCreated, events[0].Type)
	assert.Equal(t, "/parent/child", events[0].Path)
	assert.Equal(t, []byte("value"), events[0].Data)
	assert.Equal(t, transport.EventNodeDataChanged, events[1].Type)
	assert.Equal(t, "/parent", events[1].Path)
}

func TestPersistentWatcher_NonRecursiveMatchesExactPathOnly(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	w := client.NewPersistentWatcher("/node", transport.WatchData, false)
	w.Start(context.Background())
	recorder := &eventRecorder{}
	w.Listen(recorder.record)

	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/node/child"})
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/node"})

	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "/node", recorder.snapshot()[0].Path)
}

func TestPersistentWatcher_CloseDeliversOneTerminalEvent(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	w := client.NewPersistentWatcher("/node", transport.WatchData, false)
	w.Start(context.Background())
	recorder := &eventRecorder{}
	w.Listen(recorder.record)

	w.Close()
	w.Close()

	events := recorder.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventNone, events[0].Type)
	assert.Equal(t, transport.StateClosed, events[0].State)
	assert.Equal(t, "/node", events[0].Path)

	// Nothing is delivered after close.
	tr.SendEvent(transport.RawEvent{Type: transport.EventNodeCreated, Path: "/node"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, recorder.snapshot(), 1)
}

func TestPersistentWatcher_ClientCloseClosesWatchers(t *testing.T) {
	t.Parallel()
	tr := transporttest.New()
	client := newTestClient(t, tr, retry.Never(), newTestConfig())
	startConnected(t, client, tr)

	w := client.NewPersistentWatcher("/node", transport.WatchData, false)
	w.Start(context.Background())
	recorder := &eventRecorder{}
	w.Listen(recorder.record)

	require.NoError(t, client.Close())

	events := recorder.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, transport.StateClosed, events[0].State)
}
