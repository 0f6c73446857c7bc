// Package retry provides policies that decide whether a failed operation
// against the coordination service may be retried, and a foreground Loop
// that applies a policy to synchronous calls.
//
// Policies are pure and safe for concurrent use, one policy instance is
// shared by all operations of a client.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Sleeper abstracts how the delay between retries is spent.
// The background operation queue implements it by scheduling a deadline,
// foreground loops implement it by a real clock sleep.
type Sleeper interface {
	// SleepFor spends the given delay, it returns an error if the context ends first.
	SleepFor(ctx context.Context, d time.Duration) error
}

// Policy decides whether an operation can be retried.
type Policy interface {
	// AllowRetry is called after a retryable failure with the number of already
	// performed attempts and the time elapsed since the first attempt.
	// If the retry is allowed, the policy spends the delay via the sleeper
	// and returns true.
	AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool
}

type nTimes struct {
	n            int
	sleepBetween time.Duration
}

// NTimes allows up to n retries with a fixed delay between them.
func NTimes(n int, sleepBetween time.Duration) Policy {
	return &nTimes{n: n, sleepBetween: sleepBetween}
}

func (p *nTimes) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool {
	if attempt >= p.n {
		return false
	}
	return sleeper.SleepFor(ctx, p.sleepBetween) == nil
}

type untilElapsed struct {
	max          time.Duration
	sleepBetween time.Duration
}

// UntilElapsed allows retries until the total elapsed time exceeds max.
func UntilElapsed(max, sleepBetween time.Duration) Policy {
	return &untilElapsed{max: max, sleepBetween: sleepBetween}
}

func (p *untilElapsed) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool {
	if elapsed >= p.max {
		return false
	}
	return sleeper.SleepFor(ctx, p.sleepBetween) == nil
}

type forever struct {
	sleepBetween time.Duration
}

// Forever always allows a retry. Use with care, an operation may never
// deliver a terminal result while the service is unreachable.
func Forever(sleepBetween time.Duration) Policy {
	return &forever{sleepBetween: sleepBetween}
}

func (p *forever) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool {
	return sleeper.SleepFor(ctx, p.sleepBetween) == nil
}

type never struct{}

// Never disallows all retries, every failure is terminal.
func Never() Policy {
	return never{}
}

func (never) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool {
	return false
}

type exponentialBackoff struct {
	baseSleep  time.Duration
	maxSleep   time.Duration
	maxRetries int
}

// ExponentialBackoff allows up to maxRetries retries, the delay grows
// exponentially with a random factor and is capped by maxSleep.
func ExponentialBackoff(baseSleep, maxSleep time.Duration, maxRetries int) Policy {
	return &exponentialBackoff{baseSleep: baseSleep, maxSleep: maxSleep, maxRetries: maxRetries}
}

func (p *exponentialBackoff) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration, sleeper Sleeper) bool {
	if attempt >= p.maxRetries {
		return false
	}
	return sleeper.SleepFor(ctx, p.delay(attempt)) == nil
}

func (p *exponentialBackoff) delay(attempt int) time.Duration {
	// Cap the shift, 1<<30 * baseSleep overflows for any realistic base.
	shift := attempt + 1
	if shift > 30 {
		shift = 30
	}
	factor := rand.Int63n(int64(1)<<shift) + 1 //nolint:gosec // jitter, not cryptographic
	d := time.Duration(factor) * p.baseSleep
	if d > p.maxSleep {
		d = p.maxSleep
	}
	return d
}
