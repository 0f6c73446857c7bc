package coordination

import (
	"container/heap"
	"context"
	"time"

	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// opHeap is a min-heap ordered by the ready deadline, ties are broken by the
// submission sequence. Requeue after a deadline change is always
// remove-then-reinsert, the deadline of a queued operation is never mutated
// in place.
type opHeap []*PendingOperation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *opHeap) Push(x any) {
	p := x.(*PendingOperation)
	p.heapIndex = len(*h)
	*h = append(*h, p)
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*h = old[:n-1]
	return p
}

// queueOperation atomically checks the lifecycle state and queues the
// operation. When the client is not started, the operation is aborted
// synchronously with a session-expired style result and false is returned.
func (c *Client) queueOperation(ctx context.Context, p *PendingOperation) bool {
	c.lock.Lock()
	if LifecycleState(c.lifecycle.Load()) == LifecycleStarted {
		c.seq++
		p.seq = c.seq
		p.readyAt = c.clock.Now().Add(p.sleepDelay.Swap(0))
		heap.Push(&c.ready, p)
		c.metrics.queueDepth.Set(float64(len(c.ready)))
		c.lock.Unlock()
		c.wakeDispatch()
		return true
	}
	c.lock.Unlock()
	c.closeOperation(ctx, p)
	return false
}

// removeLocked removes the operation from the ready queue if it is queued.
// The caller must hold c.lock. Removal is the action that wins a race with
// the un-sleep path.
func (c *Client) removeLocked(p *PendingOperation) bool {
	if p.heapIndex < 0 {
		return false
	}
	heap.Remove(&c.ready, p.heapIndex)
	c.metrics.queueDepth.Set(float64(len(c.ready)))
	return true
}

func (c *Client) wakeDispatch() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single goroutine that executes background operations.
// It pops the next ready operation, otherwise it sleeps until the earliest
// deadline, a submission, an un-sleep, or close.
func (c *Client) dispatchLoop(ctx context.Context) {
	defer close(c.dispatchDone)
	for {
		if ctx.Err() != nil {
			return
		}

		p, wait := c.nextReady()
		if p != nil {
			c.performOperation(ctx, p)
			continue
		}

		var timerCh <-chan time.Time
		if wait > 0 {
			timer := c.clock.NewTimer(wait)
			timerCh = timer.Chan()
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.wake:
				timer.Stop()
			case <-timerCh:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

// nextReady pops the head operation if its deadline has passed.
// Otherwise it returns the time to wait for the head, or 0 for an empty queue.
func (c *Client) nextReady() (*PendingOperation, time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.ready) == 0 {
		return nil, 0
	}
	now := c.clock.Now()
	head := c.ready[0]
	if head.readyAt.After(now) {
		return nil, head.readyAt.Sub(now)
	}
	p := heap.Pop(&c.ready).(*PendingOperation)
	c.metrics.queueDepth.Set(float64(len(c.ready)))
	return p, 0
}

// performOperation executes one operation against the transport and decides
// between completion, retry and forced sleep.
func (c *Client) performOperation(ctx context.Context, p *PendingOperation) {
	// The operation left the ready queue, it no longer waits for the
	// connection. A later un-sleep drain must not touch it.
	c.sleepLock.Lock()
	delete(c.sleeping, p)
	c.sleepLock.Unlock()

	op := p.op
	if !op.ConnectionRequired || c.transport.IsConnected() {
		res, err := c.transport.Execute(ctx, transport.Op{
			Kind:    op.Kind,
			Path:    op.Path,
			Data:    op.Data,
			Version: op.Version,
		})
		switch {
		case err == nil:
			c.completeOperation(ctx, p, Result{
				Kind:     op.Kind,
				Path:     res.Path,
				Data:     res.Data,
				Children: res.Children,
				Version:  res.Version,
				Exists:   res.Exists,
				Context:  op.Context,
			})
		case transport.IsSessionTerminal(err):
			c.completeOperation(ctx, p, p.result(err))
		case !transport.IsRetryable(err):
			// Logical failure reported by the service, terminal for the operation.
			c.completeOperation(ctx, p, p.result(err))
		default:
			c.retryOrGiveUp(ctx, p, err)
		}
		return
	}

	// Not connected. Force a connection attempt as a side effect, then keep
	// the operation in forced sleep until the connection timeout elapses.
	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Debugf(ctx, "connection attempt failed: %s", err)
	}
	if p.Elapsed() < c.config.ConnectionTimeout {
		c.sleepAndQueueOperation(ctx, p)
		return
	}

	// The connection timeout elapsed without success. Synthesize a connection
	// loss and run it through the same retry decision as a real failure.
	c.retryOrGiveUp(ctx, p, transport.ErrConnectionLoss)
}

// retryOrGiveUp applies the retry policy to a transient failure, real or
// synthesized. When the policy gives up, the failure becomes terminal and is
// also reflected in the connection state, so repeated timeouts surface as
// LOST instead of being silently swallowed.
func (c *Client) retryOrGiveUp(ctx context.Context, p *PendingOperation, err error) {
	if c.retryPolicy.AllowRetry(ctx, p.nextAttempt(), p.Elapsed(), p) {
		c.metrics.retries.Inc()
		if c.queueOperation(ctx, p) && transport.IsRetryable(err) {
			// An operation retried after a connection loss waits for the
			// connection like a forced-sleep one, a reconnection bypasses
			// the remaining retry delay.
			c.sleepLock.Lock()
			c.sleeping[p] = struct{}{}
			c.sleepLock.Unlock()
		}
		return
	}

	if p.op.ErrorCallback != nil {
		c.safeCall(ctx, "operation error callback", func() {
			p.op.ErrorCallback(p)
		})
	}
	c.completeOperation(ctx, p, p.result(errors.Errorf("%w: %w", ErrRetriesExhausted, err)))
	c.validateConnection(ctx, rawStateForError(err))
	c.unhandledError(ctx, "background operation retry gave up", err)
}

// sleepAndQueueOperation requeues the operation with the fixed forced-sleep
// backoff and records it in the side set drained on reconnection.
func (c *Client) sleepAndQueueOperation(ctx context.Context, p *PendingOperation) {
	_ = p.SleepFor(ctx, c.config.ForcedSleep)
	if c.queueOperation(ctx, p) {
		c.sleepLock.Lock()
		c.sleeping[p] = struct{}{}
		c.sleepLock.Unlock()
		c.metrics.forcedSleeps.Inc()
	}
}

// unsleepOperations makes all forced-sleep operations ready immediately.
// Called on every reconnection.
func (c *Client) unsleepOperations(ctx context.Context) {
	c.sleepLock.Lock()
	drain := make([]*PendingOperation, 0, len(c.sleeping))
	for p := range c.sleeping {
		drain = append(drain, p)
	}
	clear(c.sleeping)
	c.sleepLock.Unlock()

	if len(drain) > 0 {
		c.logger.Debugf(ctx, "clearing sleep for %d operations", len(drain))
	}
	for _, p := range drain {
		c.requeueSleepOperation(ctx, p)
	}
}

// requeueSleepOperation moves a forced-sleep operation to the head of the
// ready queue. The deadline change is an atomic remove-then-reinsert under
// the queue lock. If the dispatch loop took the operation first, it wins.
// After close, a still queued operation is aborted here instead.
func (c *Client) requeueSleepOperation(ctx context.Context, p *PendingOperation) {
	p.clearSleep()
	c.lock.Lock()
	if LifecycleState(c.lifecycle.Load()) == LifecycleStarted {
		if c.removeLocked(p) {
			p.readyAt = c.clock.Now()
			heap.Push(&c.ready, p)
			c.metrics.queueDepth.Set(float64(len(c.ready)))
		}
		c.lock.Unlock()
		c.wakeDispatch()
		return
	}
	removed := c.removeLocked(p)
	c.lock.Unlock()
	if removed {
		c.closeOperation(ctx, p)
	}
}

// completeOperation delivers the terminal result exactly once.
// It reports whether this call delivered the result.
func (c *Client) completeOperation(ctx context.Context, p *PendingOperation, result Result) bool {
	if !p.markCompleted() {
		return false
	}
	if result.Err != nil {
		c.metrics.failed.Inc()
	} else {
		c.metrics.completed.Inc()
	}
	if cb := p.op.Callback; cb != nil {
		c.safeCall(ctx, "operation callback", func() {
			cb(result)
		})
	}
	return true
}

// closeOperation aborts the operation with a session-expired style result.
func (c *Client) closeOperation(ctx context.Context, p *PendingOperation) {
	if c.completeOperation(ctx, p, p.result(transport.ErrSessionExpired)) {
		c.metrics.dropped.Inc()
	}
}
