package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caseweave/orchestrator/internal/models"
)

// ErrLivenessTimeout marks an attempt failed because a long-running
// activity stopped emitting heartbeats. The attempt is retryable.
var ErrLivenessTimeout = errors.New("activity liveness timeout")

// Heartbeat is the liveness marker callback handed to long-running
// activities; calling it proves the activity has not stalled.
type Heartbeat func()

// Invocation is one idempotent unit of work. Run must be safe to
// re-execute with the same inputs; idempotency against external systems
// is the collaborator's responsibility.
type Invocation struct {
	Name  string
	Phase models.Phase
	// MaxDuration is the declared upper bound for one attempt. Zero
	// means short-running: no attempt deadline, no liveness watchdog.
	MaxDuration time.Duration
	Run         func(ctx context.Context, beat Heartbeat) (interface{}, error)
}

// RetryPolicy configures the backoff wrapper around every invocation.
type RetryPolicy struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	MaximumInterval    time.Duration `mapstructure:"maximum_interval"`
	MaximumAttempts    int           `mapstructure:"maximum_attempts"`
}

// DefaultRetryPolicy returns the standard policy: 1s initial, doubling,
// capped at 5 minutes, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    3,
	}
}

// Interval returns the backoff delay after the given 1-based attempt.
func (p RetryPolicy) Interval(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffCoefficient)
		if d >= p.MaximumInterval {
			return p.MaximumInterval
		}
	}
	if d > p.MaximumInterval {
		return p.MaximumInterval
	}
	return d
}

// ExhaustedError is returned once every attempt allowed by the policy
// has failed.
type ExhaustedError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
