package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caseweave/orchestrator/internal/models"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStoreFromDB(sqlx.NewDb(db, "sqlite3"), "sqlite3", zaptest.NewLogger(t)), mock
}

func TestSQLStoreWriteInsertsFirstVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO run_checkpoints").
		WithArgs("run-1", "", "PENDING", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := testRun("run-1", models.StatusPending, models.PhaseNone)
	v, err := store.Write(context.Background(), Snapshot{RunID: "run-1", State: run})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreWriteCompareAndSet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE run_checkpoints").
		WithArgs("DISCOVERY", "RUNNING", int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), "run-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := testRun("run-1", models.StatusRunning, models.PhaseDiscovery)
	v, err := store.Write(context.Background(), Snapshot{RunID: "run-1", Phase: models.PhaseDiscovery, Version: 2, State: run})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreWriteVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE run_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	run := testRun("run-1", models.StatusRunning, models.PhaseDiscovery)
	_, err := store.Write(context.Background(), Snapshot{RunID: "run-1", Phase: models.PhaseDiscovery, Version: 2, State: run})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreWriteUnknownRun(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE run_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("run-ghost").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	run := testRun("run-ghost", models.StatusRunning, models.PhaseDiscovery)
	_, err := store.Write(context.Background(), Snapshot{RunID: "run-ghost", Phase: models.PhaseDiscovery, Version: 2, State: run})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReadLatest(t *testing.T) {
	store, mock := newMockStore(t)

	state := `{"run_id":"run-1","case_id":"case-1","status":"RUNNING","phase":"PLANNING","progress_pct":20,"started_at":"2026-08-29T10:00:00Z","updated_at":"2026-08-29T10:01:00Z","outputs":{}}`
	mock.ExpectQuery("SELECT run_id, phase, status, version, state, written_at").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "phase", "status", "version", "state", "written_at"}).
			AddRow("run-1", "PLANNING", "RUNNING", int64(3), []byte(state), time.Now().UTC()))

	snap, err := store.ReadLatest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, models.PhasePlanning, snap.Phase)
	assert.Equal(t, models.StatusRunning, snap.State.Status)
	assert.Equal(t, 20.0, snap.State.ProgressPct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReadLatestNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT run_id, phase, status, version, state, written_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	_, err := store.ReadLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreAppendEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO run_events").
		WithArgs(sqlmock.AnyArg(), "run-1", "run.started", "case case-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendEvent(context.Background(), RunEvent{
		RunID:   "run-1",
		Type:    "run.started",
		Message: "case case-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
