package workflows

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/activities"
	"github.com/caseweave/orchestrator/internal/capabilities"
	"github.com/caseweave/orchestrator/internal/metrics"
	"github.com/caseweave/orchestrator/internal/models"
	"github.com/caseweave/orchestrator/internal/streaming"
	"github.com/caseweave/orchestrator/internal/tracing"
)

// fatalPhaseError aborts the run: an activity exhausted its retries in
// a phase the policy marks fatal.
type fatalPhaseError struct {
	Record models.ErrorRecord
}

func (f *fatalPhaseError) Error() string { return f.Record.Message }

// runLoop is the single control goroutine for one run. Signals are
// consumed only here, at phase boundaries, so no two transitions for
// the same run ever race.
func (e *Engine) runLoop(run models.WorkflowRun, version int64) {
	ctx := e.baseCtx
	logger := e.logger.With(zap.String("run_id", run.RunID))

	for {
		if ctx.Err() != nil {
			// Engine shutdown; the durable state stands, the recovery
			// sweep picks the run up on next start.
			return
		}

		pending := e.mailbox.Poll(run.RunID)
		if pending.Cancel != nil {
			e.finalize(ctx, &run, version, models.StatusCancelled, pending.Cancel.Reason)
			return
		}
		if pending.Pause && run.Status != models.StatusPaused {
			run.Status = models.StatusPaused
			v, err := e.commit(ctx, &run, version)
			if err != nil {
				logger.Error("Pause checkpoint failed", zap.Error(err))
				return
			}
			version = v
			e.publish(run.RunID, streaming.EventRunPaused, string(run.Phase), "paused at phase boundary", run.ProgressPct)
			e.journalEvent(run.RunID, streaming.EventRunPaused, "after phase "+string(run.Phase))
		}
		if pending.Resume && run.Status == models.StatusPaused {
			run.Status = models.StatusRunning
			v, err := e.commit(ctx, &run, version)
			if err != nil {
				logger.Error("Resume checkpoint failed", zap.Error(err))
				return
			}
			version = v
			e.publish(run.RunID, streaming.EventRunResumed, string(run.Phase), "resumed", run.ProgressPct)
			e.journalEvent(run.RunID, streaming.EventRunResumed, "resuming after phase "+string(run.Phase))
		}
		if run.Status == models.StatusPaused {
			select {
			case <-ctx.Done():
				return
			case <-e.mailbox.Changed(run.RunID):
			}
			continue
		}
		if run.Status == models.StatusPending {
			run.Status = models.StatusRunning
			v, err := e.commit(ctx, &run, version)
			if err != nil {
				logger.Error("Run activation checkpoint failed", zap.Error(err))
				return
			}
			version = v
		}

		next := models.NextPhase(run.Phase)
		if next == models.PhaseDone {
			e.finalize(ctx, &run, version, models.StatusCompleted, "")
			return
		}

		e.publish(run.RunID, streaming.EventPhaseStarted, string(next), "", run.ProgressPct)
		phaseStart := time.Now()
		outputs, recs, err := e.executePhase(ctx, &run, next)
		if err != nil {
			var fatal *fatalPhaseError
			switch {
			case errors.As(err, &fatal):
				run.Errors = append(run.Errors, fatal.Record)
				e.finalize(ctx, &run, version, models.StatusFailed, fatal.Record.Message)
				return
			case errors.Is(err, context.Canceled):
				// Shutdown or a posted cancel; the boundary poll on the
				// next iteration decides which.
				continue
			default:
				logger.Error("Phase execution failed, run parked at last checkpoint",
					zap.String("phase", string(next)), zap.Error(err))
				return
			}
		}

		run.Outputs = outputs
		run.Errors = append(run.Errors, recs...)
		run.Phase = next
		run.ProgressPct = ProgressAfter(next)
		v, err := e.commit(ctx, &run, version)
		if err != nil {
			// No partial checkpoint exists; the run stays at the
			// previous one and recovery re-runs this phase.
			logger.Error("Checkpoint write failed", zap.String("phase", string(next)), zap.Error(err))
			return
		}
		version = v
		metrics.PhaseDuration.WithLabelValues(string(next)).Observe(time.Since(phaseStart).Seconds())
		metrics.PhasesCompleted.WithLabelValues(string(next)).Inc()
		e.publish(run.RunID, streaming.EventPhaseCompleted, string(next), "", run.ProgressPct)
		e.journalEvent(run.RunID, streaming.EventPhaseCompleted, string(next))
	}
}

// finalize commits a terminal status and releases the run's mailbox.
func (e *Engine) finalize(ctx context.Context, run *models.WorkflowRun, version int64, status models.Status, detail string) {
	run.Status = status
	switch status {
	case models.StatusCompleted:
		run.Phase = models.PhaseDone
		run.ProgressPct = 100
	case models.StatusCancelled:
		if detail == "" {
			detail = "cancelled by operator"
		}
		run.CancelReason = detail
	}
	if _, err := e.commit(ctx, run, version); err != nil {
		e.logger.Error("Terminal checkpoint failed",
			zap.String("run_id", run.RunID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()

	eventType := streaming.EventRunCompleted
	switch status {
	case models.StatusCancelled:
		eventType = streaming.EventRunCancelled
	case models.StatusFailed:
		eventType = streaming.EventRunFailed
	}
	e.publish(run.RunID, eventType, string(run.Phase), detail, run.ProgressPct)
	e.journalEvent(run.RunID, eventType, detail)
	e.mailbox.Drop(run.RunID)
	e.logger.Info("Workflow run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", string(status)),
		zap.Int("errors", len(run.Errors)),
	)
}

// executePhase dispatches one phase under a context that a posted
// cancel signal cancels promptly. Pause is deliberately not observed
// here; it waits for the boundary.
func (e *Engine) executePhase(ctx context.Context, run *models.WorkflowRun, phase models.Phase) (models.PhaseOutputs, []models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.phase",
		attribute.String("run_id", run.RunID),
		attribute.String("phase", string(phase)),
	)
	defer span.End()

	phaseCtx, cancelPhase := context.WithCancel(ctx)
	defer cancelPhase()
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		e.watchCancel(phaseCtx, cancelPhase, run.RunID, stop)
	}()
	// Wait the watcher out before returning: a late mailbox access from
	// it could recreate the cell finalize is about to drop.
	defer func() {
		close(stop)
		<-watcherDone
	}()

	outputs, recs, err := e.dispatchPhase(phaseCtx, run, phase)
	if err != nil {
		span.RecordError(err)
	}
	return outputs, recs, err
}

func (e *Engine) dispatchPhase(phaseCtx context.Context, run *models.WorkflowRun, phase models.Phase) (models.PhaseOutputs, []models.ErrorRecord, error) {
	switch phase {
	case models.PhaseDiscovery:
		return e.runDiscovery(phaseCtx, run)
	case models.PhasePlanning:
		return e.runPlanning(phaseCtx, run)
	case models.PhaseAnalysis:
		return e.runAnalysis(phaseCtx, run)
	case models.PhaseCorrelation:
		return e.runCorrelation(phaseCtx, run)
	case models.PhaseSynthesis:
		return e.runSynthesis(phaseCtx, run)
	case models.PhaseReportGeneration:
		return e.runReport(phaseCtx, run)
	default:
		return run.Outputs, nil, errors.New("unknown phase " + string(phase))
	}
}

// watchCancel cancels the in-flight phase as soon as a cancel signal is
// posted, without consuming it; the boundary poll consumes it.
func (e *Engine) watchCancel(ctx context.Context, cancelPhase context.CancelFunc, runID string, stop <-chan struct{}) {
	for {
		if e.mailbox.PeekCancel(runID) != nil {
			cancelPhase()
			return
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-e.mailbox.Changed(runID):
		}
	}
}

// activityFailure classifies an executor error. Exhausted retries in a
// fatal phase become a *fatalPhaseError; elsewhere they degrade to an
// error record. Everything else (cancellation) propagates unchanged.
func (e *Engine) activityFailure(runID string, phase models.Phase, activity string, err error) (*models.ErrorRecord, error) {
	var exhausted *activities.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, err
	}
	rec := models.ErrorRecord{
		Phase:      phase,
		Activity:   activity,
		Message:    exhausted.Error(),
		Attempts:   exhausted.Attempts,
		OccurredAt: time.Now().UTC(),
	}
	if e.config().IsFatal(phase) {
		return nil, &fatalPhaseError{Record: rec}
	}
	e.publish(runID, streaming.EventActivityError, string(phase), rec.Message, 0)
	return &rec, nil
}

func (e *Engine) runDiscovery(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	out, err := e.exec.Execute(ctx, activities.Invocation{
		Name:        "discover_evidence",
		Phase:       models.PhaseDiscovery,
		MaxDuration: e.config().maxDuration(models.PhaseDiscovery),
		Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
			beat()
			return e.caps.Discovery.Discover(c, run.CaseID)
		},
	})
	if err != nil {
		rec, ferr := e.activityFailure(run.RunID, models.PhaseDiscovery, "discover_evidence", err)
		if ferr != nil {
			return run.Outputs, nil, ferr
		}
		// Degrading discovery (non-default policy) leaves empty
		// inventories; analysis then fans out to nothing.
		outputs := models.MergeDiscovery(run.Outputs, &models.Inventories{}, nil)
		return outputs, []models.ErrorRecord{*rec}, nil
	}
	res := out.(*capabilities.DiscoveryResult)
	return models.MergeDiscovery(run.Outputs, res.Inventories, res.CaseMap), nil, nil
}

func (e *Engine) runPlanning(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	out, err := e.exec.Execute(ctx, activities.Invocation{
		Name:        "build_research_plan",
		Phase:       models.PhasePlanning,
		MaxDuration: e.config().maxDuration(models.PhasePlanning),
		Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
			beat()
			return e.caps.Planning.Plan(c, run.Outputs.Inventories, run.Query)
		},
	})
	if err != nil {
		rec, ferr := e.activityFailure(run.RunID, models.PhasePlanning, "build_research_plan", err)
		if ferr != nil {
			return run.Outputs, nil, ferr
		}
		outputs := models.MergePlan(run.Outputs, &models.ResearchPlan{})
		return outputs, []models.ErrorRecord{*rec}, nil
	}
	return models.MergePlan(run.Outputs, out.(*models.ResearchPlan)), nil, nil
}

func (e *Engine) runAnalysis(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	cfg := e.config()
	kinds := SelectAnalysts(run.Outputs.Inventories)
	metrics.AnalystsSelected.Observe(float64(len(kinds)))
	if len(kinds) == 0 {
		return models.MergeAnalysis(run.Outputs, nil), nil, nil
	}

	var (
		mu       sync.Mutex
		results  = make(map[models.AnalystKind]*models.AnalysisResult)
		recs     []models.ErrorRecord
		fatalErr *fatalPhaseError
		settled  int
	)
	sem := make(chan struct{}, cfg.MaxConcurrentAnalysts)
	var wg sync.WaitGroup

	for _, kind := range kinds {
		if run.Outputs.Findings[kind] != nil {
			// Committed by a previous attempt at this phase; never redone.
			continue
		}
		wg.Add(1)
		go func(kind models.AnalystKind) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			out, err := e.exec.Execute(ctx, activities.Invocation{
				Name:        "analyze_" + string(kind),
				Phase:       models.PhaseAnalysis,
				MaxDuration: cfg.maxDuration(models.PhaseAnalysis),
				Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
					beat()
					return e.caps.Analysis.Analyze(c, capabilities.AnalysisRequest{
						Kind:      kind,
						CaseID:    run.CaseID,
						Plan:      run.Outputs.Plan,
						Inventory: run.Outputs.Inventories.ForKind(kind),
					})
				},
			})

			mu.Lock()
			defer mu.Unlock()
			settled++
			if err != nil {
				rec, ferr := e.activityFailure(run.RunID, models.PhaseAnalysis, "analyze_"+string(kind), err)
				var fatal *fatalPhaseError
				if errors.As(ferr, &fatal) && fatalErr == nil {
					fatalErr = fatal
				}
				if rec != nil {
					recs = append(recs, *rec)
				}
				return
			}
			results[kind] = out.(*models.AnalysisResult)
			e.publish(run.RunID, streaming.EventPhaseProgress, string(models.PhaseAnalysis),
				string(kind)+" analysis done", AnalysisProgress(settled, len(kinds)))
		}(kind)
	}

	// Fan-in barrier: the phase commits only after every dispatched
	// analyst succeeded, failed after retries, or was cancelled.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Cancelled mid-fan-out: give in-flight analysts a bounded
		// grace period, then discard whatever they produced.
		select {
		case <-done:
		case <-time.After(cfg.CancelGraceTimeout):
			e.logger.Warn("Analysts did not stop within grace timeout, discarding results",
				zap.String("run_id", run.RunID))
		}
		return run.Outputs, nil, ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		return run.Outputs, nil, err
	}
	if fatalErr != nil {
		return run.Outputs, nil, fatalErr
	}
	return models.MergeAnalysis(run.Outputs, results), recs, nil
}

func (e *Engine) runCorrelation(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	out, err := e.exec.Execute(ctx, activities.Invocation{
		Name:        "correlate_findings",
		Phase:       models.PhaseCorrelation,
		MaxDuration: e.config().maxDuration(models.PhaseCorrelation),
		Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
			beat()
			return e.caps.Correlation.Correlate(c, capabilities.CorrelationRequest{
				Findings:      run.Outputs.AllFindings(),
				Entities:      run.Outputs.AllEntities(),
				Events:        run.Outputs.AllEvents(),
				Relationships: run.Outputs.AllRelationships(),
			})
		},
	})
	if err != nil {
		rec, ferr := e.activityFailure(run.RunID, models.PhaseCorrelation, "correlate_findings", err)
		if ferr != nil {
			return run.Outputs, nil, ferr
		}
		return run.Outputs, []models.ErrorRecord{*rec}, nil
	}
	return models.MergeCorrelation(run.Outputs, out.(*models.CorrelationResult)), nil, nil
}

func (e *Engine) runSynthesis(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	out, err := e.exec.Execute(ctx, activities.Invocation{
		Name:        "synthesize_dossier",
		Phase:       models.PhaseSynthesis,
		MaxDuration: e.config().maxDuration(models.PhaseSynthesis),
		Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
			beat()
			return e.caps.Synthesis.Synthesize(c, capabilities.SynthesisRequest{
				Query:       run.Query,
				Plan:        run.Outputs.Plan,
				Findings:    run.Outputs.AllFindings(),
				Correlation: run.Outputs.Correlation,
			})
		},
	})
	if err != nil {
		rec, ferr := e.activityFailure(run.RunID, models.PhaseSynthesis, "synthesize_dossier", err)
		if ferr != nil {
			return run.Outputs, nil, ferr
		}
		return run.Outputs, []models.ErrorRecord{*rec}, nil
	}
	return models.MergeSynthesis(run.Outputs, out.(*models.Dossier)), nil, nil
}

func (e *Engine) runReport(ctx context.Context, run *models.WorkflowRun) (models.PhaseOutputs, []models.ErrorRecord, error) {
	dossier := run.Outputs.Dossier
	if dossier == nil {
		dossier = &models.Dossier{}
	}
	out, err := e.exec.Execute(ctx, activities.Invocation{
		Name:        "generate_report",
		Phase:       models.PhaseReportGeneration,
		MaxDuration: e.config().maxDuration(models.PhaseReportGeneration),
		Run: func(c context.Context, beat activities.Heartbeat) (interface{}, error) {
			beat()
			paths, err := e.caps.Report.Generate(c, dossier)
			if err != nil {
				return nil, err
			}
			return paths, nil
		},
	})
	if err != nil {
		rec, ferr := e.activityFailure(run.RunID, models.PhaseReportGeneration, "generate_report", err)
		if ferr != nil {
			return run.Outputs, nil, ferr
		}
		return run.Outputs, []models.ErrorRecord{*rec}, nil
	}
	return models.MergeReport(run.Outputs, out.([]string)), nil, nil
}
