package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseweave/orchestrator/internal/models"
)

func testRun(id string, status models.Status, phase models.Phase) models.WorkflowRun {
	return models.WorkflowRun{RunID: id, CaseID: "case-1", Status: status, Phase: phase}
}

func TestMemoryStoreVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := testRun("run-1", models.StatusPending, models.PhaseNone)
	v, err := store.Write(ctx, Snapshot{RunID: run.RunID, State: run})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	run.Status = models.StatusRunning
	run.Phase = models.PhaseDiscovery
	v, err = store.Write(ctx, Snapshot{RunID: run.RunID, Version: 1, State: run})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A stale version is rejected.
	_, err = store.Write(ctx, Snapshot{RunID: run.RunID, Version: 1, State: run})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// A non-zero version for an unknown run is rejected too.
	_, err = store.Write(ctx, Snapshot{RunID: "ghost", Version: 3, State: run})
	assert.ErrorIs(t, err, ErrVersionConflict)

	snap, err := store.ReadLatest(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, models.PhaseDiscovery, snap.State.Phase)
}

func TestMemoryStoreReadLatestNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.ReadLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := testRun("run-1", models.StatusRunning, models.PhaseDiscovery)
	run.Outputs.Inventories = &models.Inventories{
		Documents: []models.EvidenceRef{{ID: "d1"}},
	}
	_, err := store.Write(ctx, Snapshot{RunID: run.RunID, State: run})
	require.NoError(t, err)

	// Mutating the caller's copy after the write must not leak in.
	run.Outputs.Inventories.Documents[0].ID = "mutated"

	snap, err := store.ReadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "d1", snap.State.Outputs.Inventories.Documents[0].ID)

	// Mutating a read snapshot must not affect later reads.
	snap.State.Outputs.Inventories.Documents[0].ID = "also-mutated"
	again, err := store.ReadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "d1", again.State.Outputs.Inventories.Documents[0].ID)
}

func TestMemoryStoreListActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status models.Status
	}{
		{"run-running", models.StatusRunning},
		{"run-paused", models.StatusPaused},
		{"run-done", models.StatusCompleted},
		{"run-failed", models.StatusFailed},
	} {
		_, err := store.Write(ctx, Snapshot{RunID: tc.id, State: testRun(tc.id, tc.status, models.PhaseNone)})
		require.NoError(t, err)
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool, len(active))
	for _, snap := range active {
		ids[snap.RunID] = true
	}
	assert.Equal(t, map[string]bool{"run-running": true, "run-paused": true}, ids)
}

func TestMemoryStoreEventJournal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, RunEvent{RunID: "run-1", Type: "run.started"}))
	require.NoError(t, store.AppendEvent(ctx, RunEvent{RunID: "run-1", Type: "phase.completed", Message: "DISCOVERY"}))
	require.NoError(t, store.AppendEvent(ctx, RunEvent{RunID: "run-2", Type: "run.started"}))

	events, err := store.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "run.started", events[0].Type)
	assert.Equal(t, "phase.completed", events[1].Type)
	assert.NotEmpty(t, events[0].EventID)
	assert.False(t, events[0].OccurredAt.IsZero())
}
