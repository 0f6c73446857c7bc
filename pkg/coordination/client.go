// Package coordination implements a durable logical session against a
// tree-structured coordination service. Transient connection loss, session
// re-establishment and operation retry are hidden behind a stable API used
// by higher-level distributed primitives.
//
// The engine consists of the connection state machine, the background
// operation queue with a single dispatch loop, the watch event router and
// the namespace overlay. The wire protocol is owned by the injected
// transport.Transport.
package coordination

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/keboola/go-coordclient/internal/pkg/listeners"
	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/retry"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// LifecycleState is the lifecycle of the Client, not of the connection.
type LifecycleState int32

const (
	LifecycleLatent LifecycleState = iota
	LifecycleStarted
	LifecycleStopped
)

func (v LifecycleState) String() string {
	switch v {
	case LifecycleStarted:
		return "started"
	case LifecycleStopped:
		return "stopped"
	default:
		return "latent"
	}
}

// Client is the session/operation engine. One Client owns one logical
// session, it is never shared across clients.
type Client struct {
	logger      log.Logger
	clock       clockwork.Clock
	config      Config
	transport   transport.Transport
	retryPolicy retry.Policy
	retryLoop   *retry.Loop
	metrics     *clientMetrics

	lifecycle *atomic.Int32

	// lock guards the ready queue, the sequence counter and lifecycle
	// transitions, so submission, queueing and close-time draining are
	// mutually exclusive.
	lock  sync.Mutex
	ready opHeap
	seq   uint64
	wake  chan struct{}

	sleepLock sync.Mutex
	sleeping  map[*PendingOperation]struct{}

	states             *stateManager
	eventListeners     *listeners.Manager[EventListener]
	unhandledListeners *listeners.Manager[UnhandledErrorListener]
	watchers           *listeners.Manager[*PersistentWatcher]

	facadeLock sync.Mutex
	facades    map[string]*Facade

	instanceIndex *atomic.Int64
	logConnErrors *atomic.Bool

	ctx          context.Context
	cancel       context.CancelCauseFunc
	wg           sync.WaitGroup
	dispatchDone chan struct{}
}

type Option func(o *clientOptions)

type clientOptions struct {
	logger     log.Logger
	clock      clockwork.Clock
	registerer prometheus.Registerer
}

func WithLogger(v log.Logger) Option {
	return func(o *clientOptions) {
		o.logger = v
	}
}

func WithClock(v clockwork.Clock) Option {
	return func(o *clientOptions) {
		o.clock = v
	}
}

// WithMetrics registers the client collectors to the registerer.
func WithMetrics(v prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = v
	}
}

func New(t transport.Transport, policy retry.Policy, config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := clientOptions{
		logger: log.NewNopLogger(),
		clock:  clockwork.NewRealClock(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	c := &Client{
		logger:             o.logger.WithComponent("coordination"),
		clock:              o.clock,
		config:             config,
		transport:          t,
		retryPolicy:        policy,
		metrics:            newClientMetrics(o.registerer),
		lifecycle:          atomic.NewInt32(int32(LifecycleLatent)),
		wake:               make(chan struct{}, 1),
		sleeping:           make(map[*PendingOperation]struct{}),
		eventListeners:     listeners.New[EventListener](),
		unhandledListeners: listeners.New[UnhandledErrorListener](),
		watchers:           listeners.New[*PersistentWatcher](),
		facades:            make(map[string]*Facade),
		instanceIndex:      atomic.NewInt64(-1),
		logConnErrors:      atomic.NewBool(false),
		dispatchDone:       make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.retryLoop = retry.NewLoop(policy, c.clock, c.logger, transport.IsRetryable)
	c.states = newStateManager(c.logger, config.StateQueueSize, func(state ConnectionState) {
		c.metrics.stateTransitions.WithLabelValues(state.String()).Inc()
	})
	return c, nil
}

// Start spins the engine goroutines. It can be called only once.
func (c *Client) Start(ctx context.Context) error {
	c.lock.Lock()
	if !c.lifecycle.CompareAndSwap(int32(LifecycleLatent), int32(LifecycleStarted)) {
		c.lock.Unlock()
		return errors.New("coordination client can be started only once")
	}
	c.lock.Unlock()
	c.logger.Info(ctx, "starting")

	// The first connection issue after a recovery is logged as an error,
	// repeats are logged as debug until the next recovery.
	c.states.direct.Add(func(state ConnectionState) {
		if state == StateConnected || state == StateReconnected {
			c.logConnErrors.Store(true)
		}
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.states.run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runEventRouter(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(c.ctx)
	}()

	// Initial connection attempt, the engine works through reconnections anyway.
	go func() {
		if err := c.transport.Connect(c.ctx); err != nil {
			c.logger.Warnf(c.ctx, "initial connection attempt failed: %s", err)
		}
	}()

	return nil
}

// Submit queues an asynchronous operation.
// It returns true iff the client was started and not closed at the instant
// of submission. Otherwise, the operation callback synchronously receives a
// session-expired style terminal result and false is returned, so callers
// never need to distinguish "never queued" from "queued then drained".
func (c *Client) Submit(op Operation) bool {
	return c.queueOperation(context.WithoutCancel(c.ctx), newPendingOperation(op, c.clock))
}

// Do executes the operation in the foreground, retrying transient failures
// through the same retry policy contract as the background queue.
func (c *Client) Do(ctx context.Context, op Operation) (Result, error) {
	if LifecycleState(c.lifecycle.Load()) != LifecycleStarted {
		return Result{Kind: op.Kind, Path: op.Path, Context: op.Context, Err: transport.ErrClosed}, transport.ErrClosed
	}

	var out transport.Result
	err := c.retryLoop.Run(ctx, func(ctx context.Context) error {
		res, err := c.transport.Execute(ctx, transport.Op{
			Kind:    op.Kind,
			Path:    op.Path,
			Data:    op.Data,
			Version: op.Version,
		})
		if err == nil {
			out = res
		}
		return err
	})
	if err != nil {
		return Result{Kind: op.Kind, Path: op.Path, Context: op.Context, Err: err}, err
	}
	return Result{
		Kind:     op.Kind,
		Path:     out.Path,
		Data:     out.Data,
		Children: out.Children,
		Version:  out.Version,
		Exists:   out.Exists,
		Context:  op.Context,
	}, nil
}

// Close is idempotent. On return, no further operation can be queued and
// the dispatch loop was signaled to stop, with a bounded wait for its
// termination. All queued operations are aborted, each with exactly one
// session-expired style terminal callback.
func (c *Client) Close() error {
	c.lock.Lock()
	if c.lifecycle.CompareAndSwap(int32(LifecycleLatent), int32(LifecycleStopped)) {
		// Never started, nothing is running.
		c.lock.Unlock()
		return nil
	}
	if !c.lifecycle.CompareAndSwap(int32(LifecycleStarted), int32(LifecycleStopped)) {
		c.lock.Unlock()
		return nil
	}
	c.lock.Unlock()

	ctx := context.WithoutCancel(c.ctx)
	c.logger.Info(ctx, "closing")
	c.cancel(errors.New("coordination client closed"))
	c.wakeDispatch()

	// Bounded wait for the dispatch loop, not a hard guarantee.
	timer := c.clock.NewTimer(c.config.MaxCloseWait)
	select {
	case <-c.dispatchDone:
		timer.Stop()
	case <-timer.Chan():
		c.logger.Warnf(ctx, "dispatch loop did not stop within %s", c.config.MaxCloseWait)
	}

	// Each persistent watcher emits exactly one terminal Closed event.
	c.watchers.ForEach(func(w *PersistentWatcher) {
		w.Close()
	})
	c.watchers.Clear()

	// Operations are forbidden to queue after closing, but the un-sleep path
	// may still run concurrently, so the queue is drained atomically. The
	// heap is sorted by deadline, clearing the backoff keeps the drain
	// deterministic.
	c.lock.Lock()
	drained := make([]*PendingOperation, len(c.ready))
	copy(drained, c.ready)
	for _, p := range drained {
		p.heapIndex = -1
	}
	c.ready = nil
	c.metrics.queueDepth.Set(0)
	c.lock.Unlock()
	for _, p := range drained {
		p.clearSleep()
		c.closeOperation(ctx, p)
	}
	c.sleepLock.Lock()
	clear(c.sleeping)
	c.sleepLock.Unlock()

	// Closing the transport closes the raw event stream, the router exits.
	err := c.transport.Close()
	c.states.close()
	c.wg.Wait()
	c.eventListeners.Clear()
	c.unhandledListeners.Clear()
	c.logger.Info(ctx, "closed")
	return err
}

// State returns the lifecycle state of the client.
func (c *Client) State() LifecycleState {
	return LifecycleState(c.lifecycle.Load())
}

// ConnectionState returns the last recorded connection state.
func (c *Client) ConnectionState() ConnectionState {
	return c.states.state()
}

// WaitConnected blocks until the session is connected or the context ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.states.waitConnected(ctx)
}

// SubscribeConnectionState registers a listener for state transitions,
// delivered on the dedicated delivery goroutine.
func (c *Client) SubscribeConnectionState(fn StateListener) uint64 {
	return c.states.proxied.Add(fn)
}

// SubscribeConnectionStateDirect registers a diagnostic listener invoked
// synchronously on the transition path, excluded from the proxied fan-out.
// The listener must not block.
func (c *Client) SubscribeConnectionStateDirect(fn StateListener) uint64 {
	return c.states.direct.Add(fn)
}

func (c *Client) UnsubscribeConnectionState(id uint64) bool {
	return c.states.proxied.Remove(id) || c.states.direct.Remove(id)
}

// SubscribeEvents registers a listener for all watch and connection events.
func (c *Client) SubscribeEvents(fn EventListener) uint64 {
	return c.eventListeners.Add(fn)
}

func (c *Client) UnsubscribeEvents(id uint64) bool {
	return c.eventListeners.Remove(id)
}

// OnUnhandledError registers a listener for engine-level faults that have
// no operation callback to deliver to.
func (c *Client) OnUnhandledError(fn UnhandledErrorListener) uint64 {
	return c.unhandledListeners.Add(fn)
}

func (c *Client) RemoveUnhandledErrorListener(id uint64) bool {
	return c.unhandledListeners.Remove(id)
}

// safeCall isolates a user callback fault from the engine state.
func (c *Client) safeCall(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf(ctx, "%s panicked: %v", what, r)
		}
	}()
	fn()
}

func (c *Client) unhandledError(ctx context.Context, reason string, err error) {
	if errors.Is(err, transport.ErrConnectionLoss) && !c.logConnErrors.CompareAndSwap(true, false) {
		c.logger.Debugf(ctx, "%s: %s", reason, err)
	} else {
		c.logger.Errorf(ctx, "%s: %s", reason, err)
	}
	c.unhandledListeners.ForEach(func(fn UnhandledErrorListener) {
		c.safeCall(ctx, "unhandled error listener", func() {
			fn(reason, err)
		})
	})
}
