package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/metrics"
	"github.com/caseweave/orchestrator/internal/models"
)

// SQLConfig selects the backing database. Driver is "sqlite3" for the
// embedded single-node default or "postgres" for shared deployments.
type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SQLStore is a Store and EventJournal on a SQL database. Optimistic
// versioning on the checkpoint row gives the per-run atomic
// read-modify-write that concurrent runs require.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_checkpoints (
    run_id     TEXT PRIMARY KEY,
    phase      TEXT NOT NULL,
    status     TEXT NOT NULL,
    version    INTEGER NOT NULL,
    state      TEXT NOT NULL,
    written_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
    event_id    TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    type        TEXT NOT NULL,
    message     TEXT,
    occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS run_checkpoints (
    run_id     TEXT PRIMARY KEY,
    phase      TEXT NOT NULL,
    status     TEXT NOT NULL,
    version    BIGINT NOT NULL,
    state      JSONB NOT NULL,
    written_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
    event_id    TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    type        TEXT NOT NULL,
    message     TEXT,
    occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_id);
`

// NewSQLStore opens the database and ensures the schema exists.
func NewSQLStore(cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	schema := sqliteSchema
	if cfg.Driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("Checkpoint store ready", zap.String("driver", cfg.Driver))
	return &SQLStore{db: db, driver: cfg.Driver, logger: logger}, nil
}

// NewSQLStoreFromDB wraps an existing connection (used by tests).
func NewSQLStoreFromDB(db *sqlx.DB, driver string, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, driver: driver, logger: logger}
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the shared connection pool for sibling repositories that
// live in the same database.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Ping checks store liveness for health endpoints.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type checkpointRow struct {
	RunID     string    `db:"run_id"`
	Phase     string    `db:"phase"`
	Status    string    `db:"status"`
	Version   int64     `db:"version"`
	State     []byte    `db:"state"`
	WrittenAt time.Time `db:"written_at"`
}

// Write implements Store with a compare-and-set on the version column.
func (s *SQLStore) Write(ctx context.Context, snap Snapshot) (int64, error) {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return 0, fmt.Errorf("serialize run state: %w", err)
	}
	newVersion := snap.Version + 1
	now := time.Now().UTC()

	if snap.Version == 0 {
		q := s.db.Rebind(`INSERT INTO run_checkpoints
            (run_id, phase, status, version, state, written_at)
            VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, q,
			snap.RunID, string(snap.Phase), string(snap.State.Status), newVersion, raw, now); err != nil {
			// A duplicate key means someone else created the run first.
			return 0, fmt.Errorf("run %s: insert checkpoint: %w: %v", snap.RunID, ErrVersionConflict, err)
		}
		metrics.CheckpointWrites.WithLabelValues(s.driver).Inc()
		return newVersion, nil
	}

	q := s.db.Rebind(`UPDATE run_checkpoints
        SET phase = ?, status = ?, version = ?, state = ?, written_at = ?
        WHERE run_id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, q,
		string(snap.Phase), string(snap.State.Status), newVersion, raw, now, snap.RunID, snap.Version)
	if err != nil {
		return 0, fmt.Errorf("run %s: update checkpoint: %w", snap.RunID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("run %s: rows affected: %w", snap.RunID, err)
	}
	if affected == 0 {
		var exists int
		check := s.db.Rebind(`SELECT COUNT(1) FROM run_checkpoints WHERE run_id = ?`)
		if err := s.db.GetContext(ctx, &exists, check, snap.RunID); err == nil && exists == 0 {
			return 0, fmt.Errorf("run %s: %w", snap.RunID, ErrNotFound)
		}
		return 0, fmt.Errorf("run %s: expected version %d: %w", snap.RunID, snap.Version, ErrVersionConflict)
	}
	metrics.CheckpointWrites.WithLabelValues(s.driver).Inc()
	return newVersion, nil
}

// ReadLatest implements Store.
func (s *SQLStore) ReadLatest(ctx context.Context, runID string) (*Snapshot, error) {
	var row checkpointRow
	q := s.db.Rebind(`SELECT run_id, phase, status, version, state, written_at
        FROM run_checkpoints WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("run %s: read checkpoint: %w", runID, err)
	}
	return rowToSnapshot(row)
}

// ListActive implements Store.
func (s *SQLStore) ListActive(ctx context.Context) ([]Snapshot, error) {
	var rows []checkpointRow
	q := s.db.Rebind(`SELECT run_id, phase, status, version, state, written_at
        FROM run_checkpoints WHERE status NOT IN (?, ?, ?)`)
	err := s.db.SelectContext(ctx, &rows, q,
		string(models.StatusCompleted), string(models.StatusCancelled), string(models.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := rowToSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

// AppendEvent implements EventJournal.
func (s *SQLStore) AppendEvent(ctx context.Context, ev RunEvent) error {
	if ev.EventID == "" {
		// ULIDs sort by creation time, so event_id doubles as ordering.
		ev.EventID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	q := s.db.Rebind(`INSERT INTO run_events (event_id, run_id, type, message, occurred_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, ev.EventID, ev.RunID, ev.Type, ev.Message, ev.OccurredAt); err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// ListEvents implements EventJournal.
func (s *SQLStore) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	var out []RunEvent
	q := s.db.Rebind(`SELECT event_id, run_id, type, message, occurred_at
        FROM run_events WHERE run_id = ? ORDER BY event_id`)
	rows, err := s.db.QueryxContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev RunEvent
		var msg sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.Type, &msg, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Message = msg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func rowToSnapshot(row checkpointRow) (*Snapshot, error) {
	snap := Snapshot{
		RunID:     row.RunID,
		Phase:     models.Phase(row.Phase),
		Version:   row.Version,
		WrittenAt: row.WrittenAt,
	}
	if err := json.Unmarshal(row.State, &snap.State); err != nil {
		return nil, fmt.Errorf("run %s: deserialize state: %w", row.RunID, err)
	}
	return &snap, nil
}
