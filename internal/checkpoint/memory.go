package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-process Store and EventJournal used by tests and
// single-shot tooling. Snapshots round-trip through JSON so callers get
// the same value-isolation the SQL store provides.
type MemoryStore struct {
	mu     sync.RWMutex
	snaps  map[string]Snapshot
	events map[string][]RunEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:  make(map[string]Snapshot),
		events: make(map[string][]RunEvent),
	}
}

// Write implements Store.
func (m *MemoryStore) Write(ctx context.Context, snap Snapshot) (int64, error) {
	cloned, err := cloneSnapshot(snap)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.snaps[snap.RunID]
	switch {
	case !exists && snap.Version != 0:
		return 0, fmt.Errorf("run %s: %w", snap.RunID, ErrVersionConflict)
	case exists && cur.Version != snap.Version:
		return 0, fmt.Errorf("run %s: expected version %d, have %d: %w",
			snap.RunID, snap.Version, cur.Version, ErrVersionConflict)
	}

	cloned.Version = snap.Version + 1
	cloned.WrittenAt = time.Now().UTC()
	m.snaps[snap.RunID] = cloned
	return cloned.Version, nil
}

// ReadLatest implements Store.
func (m *MemoryStore) ReadLatest(ctx context.Context, runID string) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.snaps[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cloned, err := cloneSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return &cloned, nil
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, snap := range m.snaps {
		if snap.State.Status.IsTerminal() {
			continue
		}
		cloned, err := cloneSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, cloned)
	}
	return out, nil
}

// AppendEvent implements EventJournal.
func (m *MemoryStore) AppendEvent(ctx context.Context, ev RunEvent) error {
	if ev.EventID == "" {
		ev.EventID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	m.mu.Unlock()
	return nil
}

// ListEvents implements EventJournal.
func (m *MemoryStore) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[runID]
	out := make([]RunEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func cloneSnapshot(snap Snapshot) (Snapshot, error) {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return Snapshot{}, fmt.Errorf("serialize run state: %w", err)
	}
	out := snap
	if err := json.Unmarshal(raw, &out.State); err != nil {
		return Snapshot{}, fmt.Errorf("deserialize run state: %w", err)
	}
	return out, nil
}
