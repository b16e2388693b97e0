// Package checkpoint provides the durable record of run state. A
// checkpoint is a self-sufficient snapshot written atomically at each
// phase boundary; recovery needs exactly one read.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/caseweave/orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a run.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrVersionConflict is returned when a write's expected version
	// does not match the stored one. The engine treating a run as its
	// exclusive owner makes this a fatal internal error, not a retry.
	ErrVersionConflict = errors.New("checkpoint version conflict")
)

// Snapshot is one durable checkpoint. Phase is the last phase whose
// output is committed in State; models.PhaseNone means the run has been
// created but has completed nothing.
type Snapshot struct {
	RunID     string
	Phase     models.Phase
	Version   int64
	State     models.WorkflowRun
	WrittenAt time.Time
}

// Store is the durable checkpoint log. Write performs a per-run
// compare-and-set: snap.Version must equal the currently stored version
// (0 for the first write); on success the stored version becomes
// snap.Version+1 and is returned.
type Store interface {
	Write(ctx context.Context, snap Snapshot) (int64, error)
	ReadLatest(ctx context.Context, runID string) (*Snapshot, error)
	// ListActive returns the latest snapshot of every run whose status
	// is non-terminal, for the startup recovery sweep.
	ListActive(ctx context.Context) ([]Snapshot, error)
}

// RunEvent is one append-only journal entry recorded alongside
// checkpoints for diagnostics.
type RunEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventJournal is an optional append-only log of run transitions.
type EventJournal interface {
	AppendEvent(ctx context.Context, ev RunEvent) error
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)
}
