package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/go-coordclient/internal/pkg/log"
)

// Loop retries a synchronous call while the policy allows it and the error
// is classified as retryable. It is the foreground counterpart of the
// background operation queue, both share the same Policy contract.
type Loop struct {
	policy    Policy
	clock     clockwork.Clock
	logger    log.Logger
	retryable func(err error) bool
}

func NewLoop(policy Policy, clock clockwork.Clock, logger log.Logger, retryable func(err error) bool) *Loop {
	return &Loop{
		policy:    policy,
		clock:     clock,
		logger:    logger.WithComponent("retry-loop"),
		retryable: retryable,
	}
}

// Run calls fn until it succeeds, the error is terminal, or the policy gives up.
// The last error is returned unchanged, so callers can match it with errors.Is.
func (l *Loop) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := l.clock.Now()
	sleeper := &clockSleeper{clock: l.clock}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !l.retryable(err) {
			return err
		}
		if !l.policy.AllowRetry(ctx, attempt, l.clock.Since(start), sleeper) {
			l.logger.Debugf(ctx, "retry gave up after %d attempts: %s", attempt+1, err)
			return err
		}
		l.logger.Debugf(ctx, "retrying after error: %s", err)
	}
}

// clockSleeper spends the retry delay on the injected clock.
type clockSleeper struct {
	clock clockwork.Clock
}

func (s *clockSleeper) SleepFor(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
