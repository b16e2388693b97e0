// Package workflows contains the deterministic state machine that
// drives a case-research run through its fixed phase sequence, with
// durable checkpoints at every transition and cooperative
// pause/resume/cancel control.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/activities"
	"github.com/caseweave/orchestrator/internal/capabilities"
	"github.com/caseweave/orchestrator/internal/checkpoint"
	"github.com/caseweave/orchestrator/internal/metrics"
	"github.com/caseweave/orchestrator/internal/models"
	"github.com/caseweave/orchestrator/internal/progress"
	"github.com/caseweave/orchestrator/internal/signals"
	"github.com/caseweave/orchestrator/internal/streaming"
)

var (
	// ErrInvalidConfig is returned by Start for unusable requests.
	ErrInvalidConfig = errors.New("invalid workflow config")
	// ErrInvalidState rejects a control operation the run's committed
	// status does not allow.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("workflow run not found")
)

// Config tunes one engine instance. Fatal phases are policy, not
// hard-coded: an activity exhausting its retries fails the whole run
// only when its phase is listed here.
type Config struct {
	MaxConcurrentAnalysts int                            `mapstructure:"max_concurrent_analysts"`
	CancelGraceTimeout    time.Duration                  `mapstructure:"cancel_grace_timeout"`
	FatalPhases           []models.Phase                 `mapstructure:"fatal_phases"`
	PhaseMaxDurations     map[models.Phase]time.Duration `mapstructure:"phase_max_durations"`
}

// DefaultConfig returns production defaults. Discovery and planning are
// fatal because everything downstream needs their outputs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAnalysts: 4,
		CancelGraceTimeout:    30 * time.Second,
		FatalPhases:           []models.Phase{models.PhaseDiscovery, models.PhasePlanning},
		PhaseMaxDurations: map[models.Phase]time.Duration{
			models.PhaseDiscovery:        20 * time.Minute,
			models.PhasePlanning:         20 * time.Minute,
			models.PhaseAnalysis:         60 * time.Minute,
			models.PhaseCorrelation:      30 * time.Minute,
			models.PhaseSynthesis:        30 * time.Minute,
			models.PhaseReportGeneration: 20 * time.Minute,
		},
	}
}

// IsFatal reports whether an exhausted activity in the phase fails the
// run.
func (c Config) IsFatal(phase models.Phase) bool {
	for _, p := range c.FatalPhases {
		if p == phase {
			return true
		}
	}
	return false
}

func (c Config) maxDuration(phase models.Phase) time.Duration {
	return c.PhaseMaxDurations[phase]
}

// EventMirror tails a run's event stream into external storage. The
// Redis stream mirror implements it; nil means no mirroring.
type EventMirror interface {
	Attach(ctx context.Context, mgr *streaming.Manager, runID string)
}

// Engine owns every run it starts or recovers. All state mutation for a
// given run happens on that run's single control goroutine; external
// callers only post signals and read projections.
type Engine struct {
	cfgMu   sync.RWMutex
	cfg     Config
	store   checkpoint.Store
	journal checkpoint.EventJournal
	caps    capabilities.Set
	exec    *activities.Executor
	mailbox *signals.Mailbox
	tracker *progress.Tracker
	streams *streaming.Manager
	mirror  EventMirror
	logger  *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// Deps are the injected collaborators; there are no process-wide
// singletons behind the engine.
type Deps struct {
	Store   checkpoint.Store
	Journal checkpoint.EventJournal
	Caps    capabilities.Set
	Exec    *activities.Executor
	Mailbox *signals.Mailbox
	Tracker *progress.Tracker
	Streams *streaming.Manager
	Mirror  EventMirror
	Logger  *zap.Logger
}

// NewEngine wires an engine from its dependencies.
func NewEngine(cfg Config, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        normalizeConfig(cfg),
		store:      deps.Store,
		journal:    deps.Journal,
		caps:       deps.Caps,
		exec:       deps.Exec,
		mailbox:    deps.Mailbox,
		tracker:    deps.Tracker,
		streams:    deps.Streams,
		mirror:     deps.Mirror,
		logger:     deps.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]struct{}),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxConcurrentAnalysts <= 0 {
		cfg.MaxConcurrentAnalysts = 4
	}
	if cfg.CancelGraceTimeout <= 0 {
		cfg.CancelGraceTimeout = 30 * time.Second
	}
	return cfg
}

// UpdateConfig swaps the engine tunables, typically on a config file
// reload. Phases already in flight keep the values they started with;
// the next phase of every run observes the new config.
func (e *Engine) UpdateConfig(cfg Config) {
	cfg = normalizeConfig(cfg)
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.logger.Info("Engine config updated",
		zap.Int("max_concurrent_analysts", cfg.MaxConcurrentAnalysts),
		zap.Duration("cancel_grace_timeout", cfg.CancelGraceTimeout),
	)
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// StartRequest identifies the case to research plus the optional caller
// query steering the plan.
type StartRequest struct {
	CaseID string `json:"case_id"`
	Query  string `json:"query,omitempty"`
}

// Start validates the request, durably creates the run, and launches
// its control goroutine. The returned run id is stable for the run's
// lifetime.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.CaseID == "" {
		return "", fmt.Errorf("case_id is required: %w", ErrInvalidConfig)
	}
	exists, err := e.caps.Cases.CaseExists(ctx, req.CaseID)
	if err != nil {
		return "", fmt.Errorf("resolve case %s: %w", req.CaseID, err)
	}
	if !exists {
		return "", fmt.Errorf("case %s: %w", req.CaseID, capabilities.ErrCaseNotFound)
	}

	now := time.Now().UTC()
	run := models.WorkflowRun{
		RunID:     uuid.NewString(),
		CaseID:    req.CaseID,
		Query:     req.Query,
		Status:    models.StatusPending,
		Phase:     models.PhaseNone,
		StartedAt: now,
		UpdatedAt: now,
	}
	version, err := e.store.Write(ctx, checkpoint.Snapshot{
		RunID: run.RunID,
		Phase: run.Phase,
		State: run,
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	e.tracker.Update(&run)
	metrics.RunsStarted.Inc()
	e.publish(run.RunID, streaming.EventRunStarted, string(run.Phase), "run started", 0)
	e.journalEvent(run.RunID, streaming.EventRunStarted, "case "+run.CaseID)

	e.launch(run, version)
	e.logger.Info("Workflow run started",
		zap.String("run_id", run.RunID),
		zap.String("case_id", run.CaseID),
	)
	return run.RunID, nil
}

// Pause marks a pending pause. The run keeps executing until its
// current phase checkpoints; pause latency is bounded by the remaining
// phase duration, never instantaneous.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	snap, err := e.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, snap.Status, ErrInvalidState)
	}
	e.post(ctx, runID, signals.Signal{Kind: signals.KindPause})
	return nil
}

// Resume continues a paused run from the phase after its last
// checkpoint.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	snap, err := e.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Status != models.StatusPaused {
		return fmt.Errorf("run %s is %s, not PAUSED: %w", runID, snap.Status, ErrInvalidState)
	}
	e.post(ctx, runID, signals.Signal{Kind: signals.KindResume})
	return nil
}

// Cancel stops a run from any non-terminal status. Cancelling a
// terminal run is a successful no-op.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	snap, err := e.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return nil
	}
	e.post(ctx, runID, signals.Signal{Kind: signals.KindCancel, Reason: reason})
	return nil
}

// post delivers a validated signal. The run can finish between the
// caller's status check and the post, which would recreate the mailbox
// cell finalize just dropped; re-read the committed status and drop the
// cell again so terminal runs never hold mailbox state.
func (e *Engine) post(ctx context.Context, runID string, sig signals.Signal) {
	e.mailbox.Post(runID, sig)
	metrics.SignalsReceived.WithLabelValues(string(sig.Kind)).Inc()
	if snap, err := e.GetStatus(ctx, runID); err == nil && snap.Status.IsTerminal() {
		e.mailbox.Drop(runID)
	}
}

// GetStatus returns the committed status projection for a run. After a
// crash-and-recovery it shows exactly the last checkpoint, never
// partial activity results.
func (e *Engine) GetStatus(ctx context.Context, runID string) (progress.Snapshot, error) {
	if snap, ok := e.tracker.Get(runID); ok {
		return snap, nil
	}
	stored, err := e.store.ReadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return progress.Snapshot{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return progress.Snapshot{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	snap := progress.Project(&stored.State)
	e.tracker.Update(&stored.State)
	return snap, nil
}

// Recover resumes a single run from its latest checkpoint. Completed
// phases are never re-executed; terminal runs are left alone.
func (e *Engine) Recover(ctx context.Context, runID string) error {
	e.mu.Lock()
	_, alreadyActive := e.active[runID]
	e.mu.Unlock()
	if alreadyActive {
		return nil
	}
	snap, err := e.store.ReadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return fmt.Errorf("read run %s: %w", runID, err)
	}
	run := snap.State
	e.tracker.Update(&run)
	if run.Status.IsTerminal() {
		return nil
	}
	metrics.RunsRecovered.Inc()
	e.publish(run.RunID, streaming.EventRunRecovered, string(run.Phase), "recovered from checkpoint", run.ProgressPct)
	e.journalEvent(run.RunID, streaming.EventRunRecovered, "resuming after phase "+string(run.Phase))
	e.launch(run, snap.Version)
	e.logger.Info("Workflow run recovered",
		zap.String("run_id", run.RunID),
		zap.String("last_phase", string(run.Phase)),
		zap.String("status", string(run.Status)),
	)
	return nil
}

// RecoverAll sweeps the store for non-terminal runs and resumes each,
// called once at startup.
func (e *Engine) RecoverAll(ctx context.Context) (int, error) {
	snaps, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	recovered := 0
	for _, snap := range snaps {
		if err := e.Recover(ctx, snap.RunID); err != nil {
			e.logger.Error("Run recovery failed", zap.String("run_id", snap.RunID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Shutdown stops issuing new work and waits for run goroutines to park
// at a durable state, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) launch(run models.WorkflowRun, version int64) {
	e.mu.Lock()
	e.active[run.RunID] = struct{}{}
	e.mu.Unlock()
	if e.mirror != nil && e.streams != nil {
		e.mirror.Attach(e.baseCtx, e.streams, run.RunID)
	}
	e.wg.Add(1)
	metrics.RunsActive.Inc()
	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, run.RunID)
			e.mu.Unlock()
			metrics.RunsActive.Dec()
			e.wg.Done()
		}()
		e.runLoop(run, version)
	}()
}

// commit atomically persists the run state. A write failure is a fatal
// internal error: the run stays at its last durable checkpoint.
func (e *Engine) commit(ctx context.Context, run *models.WorkflowRun, version int64) (int64, error) {
	run.UpdatedAt = time.Now().UTC()
	newVersion, err := e.store.Write(ctx, checkpoint.Snapshot{
		RunID:   run.RunID,
		Phase:   run.Phase,
		Version: version,
		State:   *run,
	})
	if err != nil {
		return version, err
	}
	e.tracker.Update(run)
	return newVersion, nil
}

func (e *Engine) publish(runID, eventType, phase, message string, pct float64) {
	if e.streams == nil {
		return
	}
	e.streams.Publish(streaming.Event{
		RunID:       runID,
		Type:        eventType,
		Phase:       phase,
		Message:     message,
		ProgressPct: pct,
	})
}

func (e *Engine) journalEvent(runID, eventType, message string) {
	if e.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.AppendEvent(jctx, checkpoint.RunEvent{
		RunID:   runID,
		Type:    eventType,
		Message: message,
	}); err != nil {
		e.logger.Warn("Run journal append failed", zap.String("run_id", runID), zap.Error(err))
	}
}
