// Package activities wraps collaborator calls in the retry, liveness,
// and rate-limit machinery every phase shares.
package activities

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caseweave/orchestrator/internal/metrics"
)

// Executor invokes activities under a RetryPolicy. A single executor is
// shared by all runs; it keeps no per-run state.
type Executor struct {
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. limiter may be nil to disable rate
// limiting of collaborator calls.
func NewExecutor(policy RetryPolicy, limiter *rate.Limiter, logger *zap.Logger) *Executor {
	if policy.MaximumAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Executor{
		policy:  policy,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Execute runs the invocation under the retry policy. It returns the
// activity output, or ctx.Err() if the context was cancelled, or an
// *ExhaustedError once the final attempt has failed.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaximumAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		metrics.ActivityAttempts.WithLabelValues(inv.Name).Inc()
		out, err := e.runOnce(ctx, inv)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			// Cancellation is not a failure to retry.
			return nil, ctx.Err()
		}
		lastErr = err
		e.logger.Warn("Activity attempt failed",
			zap.String("activity", inv.Name),
			zap.String("phase", string(inv.Phase)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaximumAttempts),
			zap.Error(err),
		)
		if attempt == e.policy.MaximumAttempts {
			break
		}
		if err := e.sleep(ctx, e.policy.Interval(attempt)); err != nil {
			return nil, err
		}
	}

	metrics.ActivityFailures.WithLabelValues(inv.Name, string(inv.Phase)).Inc()
	return nil, &ExhaustedError{Activity: inv.Name, Attempts: e.policy.MaximumAttempts, Err: lastErr}
}

type attemptResult struct {
	out interface{}
	err error
}

// runOnce executes a single attempt. For long-running invocations it
// arms a liveness watchdog: the attempt is cancelled and fails as
// retryable if no heartbeat arrives within the window.
func (e *Executor) runOnce(ctx context.Context, inv Invocation) (interface{}, error) {
	attemptCtx := ctx
	cancel := func() {}
	if inv.MaxDuration > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, inv.MaxDuration)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	beats := make(chan struct{}, 1)
	beat := func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	}

	done := make(chan attemptResult, 1)
	go func() {
		out, err := inv.Run(attemptCtx, beat)
		done <- attemptResult{out: out, err: err}
	}()

	window := LivenessWindow(inv.MaxDuration)
	if window == 0 {
		res := <-done
		return res.out, res.err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case res := <-done:
			return res.out, res.err
		case <-beats:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(window)
		case <-timer.C:
			metrics.ActivityLivenessTimeouts.WithLabelValues(inv.Name).Inc()
			cancel()
			// The activity observes the cancelled context; wait for it
			// so the attempt never leaks a goroutine.
			<-done
			return nil, fmt.Errorf("%s: no liveness marker within %s: %w", inv.Name, window, ErrLivenessTimeout)
		}
	}
}

// LivenessWindow derives the watchdog window from an activity's
// declared maximum duration: a quarter of it, clamped to [30s, 10m].
// Activities declaring 30s or less run without a watchdog.
func LivenessWindow(maxDuration time.Duration) time.Duration {
	if maxDuration <= 30*time.Second {
		return 0
	}
	w := maxDuration / 4
	if w < 30*time.Second {
		w = 30 * time.Second
	}
	if w > 10*time.Minute {
		w = 10 * time.Minute
	}
	return w
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
