package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, zaptest.NewLogger(t))
}

func TestMirrorPublishAndReadAll(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()

	mirror.Publish(ctx, Event{RunID: "run-1", Type: EventRunStarted, Seq: 0, Timestamp: time.Now().UTC()})
	mirror.Publish(ctx, Event{RunID: "run-1", Type: EventPhaseCompleted, Phase: "DISCOVERY", Seq: 1, Timestamp: time.Now().UTC()})
	mirror.Publish(ctx, Event{RunID: "run-2", Type: EventRunStarted, Seq: 0, Timestamp: time.Now().UTC()})

	payloads, err := mirror.ReadAll(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &first))
	assert.Equal(t, EventRunStarted, first.Type)
	var second Event
	require.NoError(t, json.Unmarshal([]byte(payloads[1]), &second))
	assert.Equal(t, "DISCOVERY", second.Phase)
}

func TestMirrorAttachForwardsManagerEvents(t *testing.T) {
	mirror := newTestMirror(t)
	mgr := NewManager(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mirror.Attach(ctx, mgr, "run-1")

	mgr.Publish(Event{RunID: "run-1", Type: EventRunCompleted})

	require.Eventually(t, func() bool {
		payloads, err := mirror.ReadAll(context.Background(), "run-1")
		return err == nil && len(payloads) == 1
	}, 2*time.Second, 10*time.Millisecond)

	payloads, err := mirror.ReadAll(context.Background(), "run-1")
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &evt))
	assert.Equal(t, EventRunCompleted, evt.Type)
}

func TestMirrorPing(t *testing.T) {
	mirror := newTestMirror(t)
	assert.NoError(t, mirror.Ping(context.Background()))
}
