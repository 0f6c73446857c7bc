// Package transporttest provides a scripted in-memory Transport for tests
// of the coordination engine. Connectivity, instance index and operation
// results are fully controlled by the test.
package transporttest

import (
	"context"
	"sync"

	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

type Watch struct {
	Path      string
	Kind      transport.WatchKind
	Recursive bool
}

type Transport struct {
	lock          sync.Mutex
	connected     bool
	instanceIndex int64
	recursive     bool
	closed        bool
	connectCalls  int
	executeFn     func(op transport.Op) (transport.Result, error)
	addWatchFn    func(path string) error
	executed      []transport.Op
	watches       []Watch
	events        chan transport.RawEvent
}

func New() *Transport {
	return &Transport{
		instanceIndex: 1,
		recursive:     true,
		events:        make(chan transport.RawEvent, 100),
	}
}

// Scripting ------------------------------------------------------------------

// SetConnected switches the reported connectivity, no event is emitted.
func (t *Transport) SetConnected(v bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connected = v
}

// SetInstanceIndex simulates replacement of the physical connection.
func (t *Transport) SetInstanceIndex(v int64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.instanceIndex = v
}

// SetRecursiveWatchSupport toggles the advertised recursive watch capability.
func (t *Transport) SetRecursiveWatchSupport(v bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.recursive = v
}

// OnExecute installs the handler invoked for every Execute call.
func (t *Transport) OnExecute(fn func(op transport.Op) (transport.Result, error)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.executeFn = fn
}

// OnAddWatch installs a handler that can refuse AddWatch registrations.
// Refused registrations are not journaled.
func (t *Transport) OnAddWatch(fn func(path string) error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.addWatchFn = fn
}

// SendEvent injects a raw event, as if it arrived from the service.
func (t *Transport) SendEvent(ev transport.RawEvent) {
	t.events <- ev
}

// SendState injects a connection-type raw event.
func (t *Transport) SendState(state transport.RawState) {
	t.SendEvent(transport.RawEvent{Type: transport.EventConnection, State: state})
}

// ExecutedOps returns a copy of the Execute journal.
func (t *Transport) ExecutedOps() []transport.Op {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]transport.Op, len(t.executed))
	copy(out, t.executed)
	return out
}

// Watches returns a copy of all AddWatch registrations, in call order.
func (t *Transport) Watches() []Watch {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]Watch, len(t.watches))
	copy(out, t.watches)
	return out
}

// ConnectCalls returns how many times Connect was invoked.
func (t *Transport) ConnectCalls() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connectCalls
}

// Transport interface ---------------------------------------------------------

func (t *Transport) Connect(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connectCalls++
	return nil
}

func (t *Transport) IsConnected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

func (t *Transport) InstanceIndex() int64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.instanceIndex
}

func (t *Transport) Execute(ctx context.Context, op transport.Op) (transport.Result, error) {
	t.lock.Lock()
	t.executed = append(t.executed, op)
	fn := t.executeFn
	connected := t.connected
	t.lock.Unlock()

	if fn != nil {
		return fn(op)
	}
	if !connected {
		return transport.Result{}, transport.ErrConnectionLoss
	}
	return transport.Result{Path: op.Path, Data: op.Data}, nil
}

func (t *Transport) Events() <-chan transport.RawEvent {
	return t.events
}

func (t *Transport) AddWatch(ctx context.Context, path string, kind transport.WatchKind, recursive bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.connected {
		return transport.ErrConnectionLoss
	}
	if t.addWatchFn != nil {
		if err := t.addWatchFn(path); err != nil {
			return err
		}
	}
	t.watches = append(t.watches, Watch{Path: path, Kind: kind, Recursive: recursive})
	return nil
}

func (t *Transport) SupportsRecursiveWatch() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.recursive
}

func (t *Transport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}
