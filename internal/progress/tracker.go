// Package progress holds the read-only status projection served to
// external queries. It is refreshed only from committed checkpoints and
// never exposes in-flight activity results.
package progress

import (
	"sync"
	"time"

	"github.com/caseweave/orchestrator/internal/models"
)

// Snapshot is one run's externally visible status.
type Snapshot struct {
	RunID         string        `json:"run_id"`
	CaseID        string        `json:"case_id"`
	Status        models.Status `json:"status"`
	Phase         models.Phase  `json:"phase"`
	ProgressPct   float64       `json:"progress_pct"`
	ErrorCount    int           `json:"error_count"`
	FindingsCount int           `json:"findings_count"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Tracker is the in-memory projection, keyed by run id.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]Snapshot
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]Snapshot)}
}

// Project derives a snapshot from a committed run state.
func Project(run *models.WorkflowRun) Snapshot {
	return Snapshot{
		RunID:         run.RunID,
		CaseID:        run.CaseID,
		Status:        run.Status,
		Phase:         run.Phase,
		ProgressPct:   run.ProgressPct,
		ErrorCount:    len(run.Errors),
		FindingsCount: run.FindingsCount(),
		CancelReason:  run.CancelReason,
		StartedAt:     run.StartedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}

// Update refreshes the projection for a run. Callers pass only
// checkpointed state.
func (t *Tracker) Update(run *models.WorkflowRun) {
	snap := Project(run)
	t.mu.Lock()
	t.runs[run.RunID] = snap
	t.mu.Unlock()
}

// Get returns the snapshot for a run, if known.
func (t *Tracker) Get(runID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.runs[runID]
	return snap, ok
}

// List returns snapshots for every known run.
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.runs))
	for _, snap := range t.runs {
		out = append(out, snap)
	}
	return out
}
