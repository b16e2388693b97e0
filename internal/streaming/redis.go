package streaming

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix = "caseweave:run:"
	streamMaxLen    = 1000
	fieldPayload    = "payload"
)

// RedisMirror copies published events into a per-run Redis Stream so
// external consumers (dashboards, audit collectors) can tail runs
// without holding an in-process subscription.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror wraps an existing Redis client.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

// Attach subscribes the mirror to every event the manager publishes for
// the given run, in a goroutine that exits when ctx is done.
func (rm *RedisMirror) Attach(ctx context.Context, mgr *Manager, runID string) {
	ch := mgr.Subscribe(runID, 64)
	go func() {
		defer mgr.Unsubscribe(runID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				rm.Publish(ctx, evt)
			}
		}
	}()
}

// Publish appends one event to the run's stream. Errors are logged, not
// propagated; the mirror is advisory and never blocks the engine.
func (rm *RedisMirror) Publish(ctx context.Context, evt Event) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := rm.client.XAdd(opCtx, &redis.XAddArgs{
		Stream: streamKeyPrefix + evt.RunID,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldPayload: string(evt.Marshal()),
			"type":       evt.Type,
			"seq":        strconv.FormatUint(evt.Seq, 10),
		},
	}).Err()
	if err != nil {
		rm.logger.Warn("Redis event mirror write failed",
			zap.String("run_id", evt.RunID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReadAll returns every mirrored event payload for a run, oldest first.
func (rm *RedisMirror) ReadAll(ctx context.Context, runID string) ([]string, error) {
	msgs, err := rm.client.XRange(ctx, streamKeyPrefix+runID, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if payload, ok := msg.Values[fieldPayload].(string); ok {
			out = append(out, payload)
		}
	}
	return out, nil
}

// Ping checks mirror liveness for health endpoints.
func (rm *RedisMirror) Ping(ctx context.Context) error {
	return rm.client.Ping(ctx).Err()
}
