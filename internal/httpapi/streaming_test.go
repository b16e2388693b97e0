package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/streaming"
)

func newStreamServer(t *testing.T) (*streaming.Manager, *httptest.Server) {
	t.Helper()
	mgr := streaming.NewManager(16)
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return mgr, srv
}

func TestSSERequiresRunID(t *testing.T) {
	_, srv := newStreamServer(t)
	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEReplaysSinceLastEventID(t *testing.T) {
	mgr, srv := newStreamServer(t)
	for i := 0; i < 4; i++ {
		mgr.Publish(streaming.Event{
			RunID:   "run-1",
			Type:    streaming.EventPhaseCompleted,
			Message: fmt.Sprintf("event-%d", i),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/sse?run_id=run-1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Only events after seq 1 are replayed.
	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for len(ids) < 2 && scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestSSEDeliversLiveEvents(t *testing.T) {
	mgr, srv := newStreamServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/sse?run_id=run-live", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The connected comment is written after the subscription exists, so
	// events published from here on are delivered.
	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	require.True(t, strings.HasPrefix(scanner.Text(), ": connected"))

	mgr.Publish(streaming.Event{RunID: "run-live", Type: streaming.EventRunStarted, Message: "run started"})

	var data string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Contains(t, data, `"type":"run.started"`)
	assert.Contains(t, data, `"run_id":"run-live"`)
}

func TestSSEFiltersEventTypes(t *testing.T) {
	mgr, srv := newStreamServer(t)
	mgr.Publish(streaming.Event{RunID: "run-f", Type: streaming.EventPhaseStarted})
	mgr.Publish(streaming.Event{RunID: "run-f", Type: streaming.EventPhaseCompleted})
	mgr.Publish(streaming.Event{RunID: "run-f", Type: streaming.EventPhaseCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := srv.URL + "/stream/sse?run_id=run-f&types=phase.completed&last_event_id=0"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for len(events) < 2 && scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"phase.completed", "phase.completed"}, events)
}

func TestWebSocketReplaysBacklog(t *testing.T) {
	mgr, srv := newStreamServer(t)
	for i := 0; i < 3; i++ {
		mgr.Publish(streaming.Event{RunID: "run-ws", Type: streaming.EventPhaseCompleted})
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-ws&last_event_id=1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, streaming.EventPhaseCompleted, ev.Type)
}

func TestWebSocketRequiresRunID(t *testing.T) {
	_, srv := newStreamServer(t)
	resp, err := http.Get(srv.URL + "/stream/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
