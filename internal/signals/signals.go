// Package signals delivers pause/resume/cancel control events into
// running workflows. Signals are ephemeral: they sit in a per-run
// mailbox until the engine consumes them at a boundary poll point, and
// repeated signals of the same kind collapse to a single effect.
package signals

import (
	"sync"
	"time"
)

// Kind is the control signal type.
type Kind string

const (
	KindPause  Kind = "PAUSE"
	KindResume Kind = "RESUME"
	KindCancel Kind = "CANCEL"
)

// Signal is one control event.
type Signal struct {
	Kind        Kind      `json:"kind"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	At          time.Time `json:"at"`
}

// Pending is the collapsed mailbox contents at a poll point.
type Pending struct {
	Pause  bool
	Resume bool
	Cancel *Signal
}

// Any reports whether anything is pending.
func (p Pending) Any() bool {
	return p.Pause || p.Resume || p.Cancel != nil
}

type cell struct {
	pending Pending
	changed chan struct{}
}

// Mailbox holds pending signals per run. The engine polls it between
// phases; HTTP handlers post into it after the engine has validated the
// operation against the run's committed status.
type Mailbox struct {
	mu   sync.Mutex
	runs map[string]*cell
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{runs: make(map[string]*cell)}
}

func (m *Mailbox) cellFor(runID string) *cell {
	c, ok := m.runs[runID]
	if !ok {
		c = &cell{changed: make(chan struct{})}
		m.runs[runID] = c
	}
	return c
}

// Post records a signal for a run. Same-kind signals are idempotent; a
// second PAUSE while one is pending changes nothing.
func (m *Mailbox) Post(runID string, sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cellFor(runID)
	switch sig.Kind {
	case KindPause:
		if c.pending.Pause {
			return
		}
		c.pending.Pause = true
	case KindResume:
		if c.pending.Resume {
			return
		}
		c.pending.Resume = true
	case KindCancel:
		if c.pending.Cancel != nil {
			return
		}
		sigCopy := sig
		c.pending.Cancel = &sigCopy
	default:
		return
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// Poll returns and clears everything pending for a run. Called only at
// phase boundaries; the engine acts on the result immediately.
func (m *Mailbox) Poll(runID string) Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.runs[runID]
	if !ok {
		return Pending{}
	}
	out := c.pending
	c.pending = Pending{}
	return out
}

// PeekCancel returns a pending cancel without consuming it. Used while
// a phase is in flight, where pause must not be observed but cancel
// propagates promptly.
func (m *Mailbox) PeekCancel(runID string) *Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.runs[runID]
	if !ok {
		return nil
	}
	return c.pending.Cancel
}

// Changed returns a channel closed on the next Post for the run. Callers
// re-fetch after each wakeup.
func (m *Mailbox) Changed(runID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cellFor(runID).changed
}

// Len returns the number of runs currently holding mailbox state.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Drop discards a run's mailbox once the run is terminal.
func (m *Mailbox) Drop(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}
