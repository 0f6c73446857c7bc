package coordination

import (
	"context"
	"sync"

	"github.com/keboola/go-coordclient/internal/pkg/listeners"
	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// ConnectionState is the durable, de-duplicated connectivity state of the
// logical session, derived from raw transport events.
type ConnectionState int32

const (
	// StateSuspended - the connection was lost, the session may still recover.
	StateSuspended ConnectionState = iota
	// StateConnected - the first successful connection of this client.
	StateConnected
	// StateReconnected - the connection recovered after Suspended or Lost.
	StateReconnected
	// StateLost - the session of the current physical connection is gone.
	// A new physical connection may still bring Reconnected.
	StateLost
	// StateReadOnly - connected to a read-only replica.
	StateReadOnly
)

func (v ConnectionState) String() string {
	switch v {
	case StateSuspended:
		return "SUSPENDED"
	case StateConnected:
		return "CONNECTED"
	case StateReconnected:
		return "RECONNECTED"
	case StateLost:
		return "LOST"
	case StateReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether the state means a usable connection.
func (v ConnectionState) IsConnected() bool {
	return v == StateConnected || v == StateReconnected || v == StateReadOnly
}

// StateListener receives connection state transitions, in order, each
// transition exactly once.
type StateListener func(state ConnectionState)

const noState ConnectionState = -1

// stateManager converts raw transport events into ConnectionState
// transitions and delivers them to listeners on a dedicated goroutine,
// so listeners never block the transport.
type stateManager struct {
	logger   log.Logger
	proxied  *listeners.Manager[StateListener]
	direct   *listeners.Manager[StateListener]
	queue    chan ConnectionState
	onChange func(state ConnectionState)

	lock         sync.Mutex
	current      ConnectionState
	everConnect  bool
	closed       bool
	connectedCh  chan struct{}
	deliveryDone chan struct{}
}

func newStateManager(logger log.Logger, queueSize int, onChange func(state ConnectionState)) *stateManager {
	return &stateManager{
		logger:       logger.WithComponent("state"),
		proxied:      listeners.New[StateListener](),
		direct:       listeners.New[StateListener](),
		queue:        make(chan ConnectionState, queueSize),
		onChange:     onChange,
		current:      noState,
		connectedCh:  make(chan struct{}),
		deliveryDone: make(chan struct{}),
	}
}

// run is the delivery goroutine, transitions are fanned out in the order
// they occurred. A listener panic is logged and does not stop the fan-out.
func (m *stateManager) run(ctx context.Context) {
	defer close(m.deliveryDone)
	for state := range m.queue {
		m.proxied.ForEach(func(fn StateListener) {
			m.safeNotify(ctx, state, fn)
		})
	}
}

func (m *stateManager) safeNotify(ctx context.Context, state ConnectionState, fn StateListener) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf(ctx, `connection state listener panicked on "%s": %v`, state, r)
		}
	}()
	fn(state)
}

// addStateChange records a transition. Duplicate adjacent states are
// coalesced, the first connected transition is reported as CONNECTED,
// later ones as RECONNECTED.
func (m *stateManager) addStateChange(ctx context.Context, newState ConnectionState) bool {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return false
	}
	if newState == StateReconnected && !m.everConnect {
		newState = StateConnected
	}
	if newState == m.current {
		m.lock.Unlock()
		return false
	}
	m.current = newState
	if newState.IsConnected() {
		m.everConnect = true
		close(m.connectedCh)
		m.connectedCh = make(chan struct{})
	}
	m.enqueueLocked(ctx, newState)
	m.lock.Unlock()

	if m.onChange != nil {
		m.onChange(newState)
	}
	m.direct.ForEach(func(fn StateListener) {
		m.safeNotify(ctx, newState, fn)
	})
	return true
}

// setToSuspended records SUSPENDED unless the session is already suspended or lost.
func (m *stateManager) setToSuspended(ctx context.Context) bool {
	m.lock.Lock()
	if m.closed || m.current == StateSuspended || m.current == StateLost {
		m.lock.Unlock()
		return false
	}
	m.lock.Unlock()
	return m.addStateChange(ctx, StateSuspended)
}

// enqueueLocked pushes the state to the delivery queue.
// If the queue is full, the oldest undelivered state is dropped, listeners
// are too slow to keep the full history.
func (m *stateManager) enqueueLocked(ctx context.Context, state ConnectionState) {
	for {
		select {
		case m.queue <- state:
			return
		default:
		}
		select {
		case dropped := <-m.queue:
			m.logger.Warnf(ctx, `state delivery queue full, dropping "%s"`, dropped)
		default:
		}
	}
}

// state returns the last recorded connection state.
func (m *stateManager) state() ConnectionState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.current
}

// waitConnected blocks until the session is in a connected state or the context ends.
func (m *stateManager) waitConnected(ctx context.Context) error {
	for {
		m.lock.Lock()
		if m.closed {
			m.lock.Unlock()
			return transport.ErrClosed
		}
		if m.current.IsConnected() {
			m.lock.Unlock()
			return nil
		}
		ch := m.connectedCh
		m.lock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// close stops the delivery goroutine after the already queued transitions
// are delivered. No transition is recorded afterwards.
func (m *stateManager) close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.lock.Unlock()

	<-m.deliveryDone
	m.proxied.Clear()
	m.direct.Clear()
}
