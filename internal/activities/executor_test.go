package activities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caseweave/orchestrator/internal/models"
)

func newTestExecutor(t *testing.T, policy RetryPolicy) (*Executor, *[]time.Duration) {
	t.Helper()
	exec := NewExecutor(policy, nil, zaptest.NewLogger(t))
	var sleeps []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return exec, &sleeps
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	exec, sleeps := newTestExecutor(t, DefaultRetryPolicy())

	attempts := 0
	out, err := exec.Execute(context.Background(), Invocation{
		Name:  "discover_evidence",
		Phase: models.PhaseDiscovery,
		Run: func(ctx context.Context, beat Heartbeat) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "done", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, attempts)
	// Backoff doubles from the initial interval.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultRetryPolicy())

	cause := errors.New("agent unreachable")
	attempts := 0
	_, err := exec.Execute(context.Background(), Invocation{
		Name: "build_research_plan",
		Run: func(ctx context.Context, beat Heartbeat) (interface{}, error) {
			attempts++
			return nil, cause
		},
	})
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "build_research_plan", exhausted.Activity)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, cause)
}

func TestExecuteReturnsContextError(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := exec.Execute(ctx, Invocation{
		Name: "analyze_DOCUMENT",
		Run: func(ctx context.Context, beat Heartbeat) (interface{}, error) {
			cancel()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "cancellation must not count as exhaustion")
}

func TestExecuteCancelledBeforeFirstAttempt(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := exec.Execute(ctx, Invocation{
		Name: "noop",
		Run: func(ctx context.Context, beat Heartbeat) (interface{}, error) {
			called = true
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRetryPolicyInterval(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Interval(1))
	assert.Equal(t, 2*time.Second, p.Interval(2))
	assert.Equal(t, 4*time.Second, p.Interval(3))
	// Growth is capped at the maximum interval.
	assert.Equal(t, 5*time.Minute, p.Interval(10))

	p = RetryPolicy{
		InitialInterval:    10 * time.Second,
		BackoffCoefficient: 3.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    5,
	}
	assert.Equal(t, 10*time.Second, p.Interval(1))
	assert.Equal(t, 30*time.Second, p.Interval(2))
	assert.Equal(t, time.Minute, p.Interval(3))
}

func TestLivenessWindow(t *testing.T) {
	// Short activities run without a watchdog.
	assert.Equal(t, time.Duration(0), LivenessWindow(0))
	assert.Equal(t, time.Duration(0), LivenessWindow(30*time.Second))

	// Window is a quarter of the declared bound, clamped to [30s, 10m].
	assert.Equal(t, 30*time.Second, LivenessWindow(time.Minute))
	assert.Equal(t, 2*time.Minute, LivenessWindow(8*time.Minute))
	assert.Equal(t, 10*time.Minute, LivenessWindow(time.Hour))
}

func TestRunOnceAppliesAttemptDeadline(t *testing.T) {
	exec, _ := newTestExecutor(t, RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    1,
	})

	_, err := exec.Execute(context.Background(), Invocation{
		Name:        "analyze_TRANSCRIPT",
		MaxDuration: 10 * time.Millisecond,
		Run: func(ctx context.Context, beat Heartbeat) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, exhausted.Err, context.DeadlineExceeded)
}
