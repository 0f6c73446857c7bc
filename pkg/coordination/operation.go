package coordination

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// ErrRetriesExhausted marks a terminal failure caused by the retry policy
// giving up, the underlying transport error is wrapped.
var ErrRetriesExhausted = errors.New("coordination: retries exhausted")

// Callback receives the terminal result of an asynchronous operation.
// It is invoked exactly once, on an engine goroutine.
type Callback func(result Result)

// ErrorCallback is invoked when the retry policy gives up on the operation,
// before the terminal result is delivered to the Callback.
type ErrorCallback func(op *PendingOperation)

// Operation is a unit of work submitted to the background queue.
// Use NewOperation to get the defaults right.
type Operation struct {
	Kind transport.OpKind
	Path string
	Data []byte
	// Version guards OpSet and OpDelete, -1 disables the check.
	Version int64
	// ConnectionRequired gates execution on transport connectivity.
	ConnectionRequired bool
	Callback           Callback
	ErrorCallback      ErrorCallback
	// Context is an opaque caller value carried to the callbacks.
	Context any
}

func NewOperation(kind transport.OpKind, path string, data []byte) Operation {
	return Operation{
		Kind:               kind,
		Path:               path,
		Data:               data,
		Version:            -1,
		ConnectionRequired: true,
	}
}

// Result is the terminal outcome of an operation, successful or not.
type Result struct {
	Kind     transport.OpKind
	Path     string
	Data     []byte
	Children []string
	Version  int64
	Exists   bool
	// Context is the opaque value from the Operation.
	Context any
	// Err is nil on success. Terminal failures wrap the transport sentinels,
	// gave-up retries additionally wrap ErrRetriesExhausted.
	Err error
}

// PendingOperation is an operation queued in the background queue.
// The retry counter and elapsed time grow monotonically for its lifetime.
// It is present in at most one of the ready queue and the forced-sleep set.
type PendingOperation struct {
	op          Operation
	clock       clockwork.Clock
	submittedAt time.Time
	attempts    *atomic.Int32
	completed   *atomic.Bool
	// sleepDelay is written by the retry sleeper on the dispatch goroutine
	// and cleared by the un-sleep path on the event router goroutine.
	sleepDelay *atomic.Duration

	// Fields below are guarded by the client queue lock.
	seq       uint64
	readyAt   time.Time
	heapIndex int
}

func newPendingOperation(op Operation, clock clockwork.Clock) *PendingOperation {
	return &PendingOperation{
		op:          op,
		clock:       clock,
		submittedAt: clock.Now(),
		attempts:    atomic.NewInt32(0),
		completed:   atomic.NewBool(false),
		sleepDelay:  atomic.NewDuration(0),
		heapIndex:   -1,
	}
}

// Operation returns the submitted operation.
func (p *PendingOperation) Operation() Operation {
	return p.op
}

// Attempts returns the number of performed retry attempts.
func (p *PendingOperation) Attempts() int {
	return int(p.attempts.Load())
}

// Elapsed returns the time since the operation was submitted.
func (p *PendingOperation) Elapsed() time.Duration {
	return p.clock.Since(p.submittedAt)
}

// SleepFor implements retry.Sleeper. A background operation does not block,
// the delay is recorded and applied as the ready deadline when the operation
// is queued again.
func (p *PendingOperation) SleepFor(ctx context.Context, d time.Duration) error {
	p.sleepDelay.Store(d)
	return nil
}

// nextAttempt returns the current retry counter and increments it.
func (p *PendingOperation) nextAttempt() int {
	return int(p.attempts.Add(1)) - 1
}

// clearSleep drops a recorded backoff, so the operation becomes ready immediately.
func (p *PendingOperation) clearSleep() {
	p.sleepDelay.Store(0)
}

// markCompleted returns true on the first call only, the terminal result
// must be delivered at most once.
func (p *PendingOperation) markCompleted() bool {
	return p.completed.CompareAndSwap(false, true)
}

func (p *PendingOperation) result(err error) Result {
	return Result{
		Kind:    p.op.Kind,
		Path:    p.op.Path,
		Context: p.op.Context,
		Err:     err,
	}
}
