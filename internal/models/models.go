package models

import (
	"time"
)

// Status is the externally visible lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Phase is one of the ordered stages of a run.
type Phase string

const (
	// PhaseNone marks a run that has not completed any phase yet.
	PhaseNone             Phase = ""
	PhaseDiscovery        Phase = "DISCOVERY"
	PhasePlanning         Phase = "PLANNING"
	PhaseAnalysis         Phase = "ANALYSIS"
	PhaseCorrelation      Phase = "CORRELATION"
	PhaseSynthesis        Phase = "SYNTHESIS"
	PhaseReportGeneration Phase = "REPORT_GENERATION"
	PhaseDone             Phase = "DONE"
)

// PhaseOrder is the fixed execution sequence. Recovery resumes at the
// phase after the last checkpointed one.
var PhaseOrder = []Phase{
	PhaseDiscovery,
	PhasePlanning,
	PhaseAnalysis,
	PhaseCorrelation,
	PhaseSynthesis,
	PhaseReportGeneration,
}

// NextPhase returns the phase following p in PhaseOrder, or PhaseDone.
func NextPhase(p Phase) Phase {
	if p == PhaseNone {
		return PhaseOrder[0]
	}
	for i, cur := range PhaseOrder {
		if cur == p {
			if i+1 < len(PhaseOrder) {
				return PhaseOrder[i+1]
			}
			return PhaseDone
		}
	}
	return PhaseDone
}

// AnalystKind identifies one of the parallel analysis activities.
type AnalystKind string

const (
	AnalystDocument      AnalystKind = "DOCUMENT"
	AnalystTranscript    AnalystKind = "TRANSCRIPT"
	AnalystCommunication AnalystKind = "COMMUNICATION"
)

// ErrorRecord captures a recoverable activity failure. The errors slice
// on a run is append-only; records are never removed or rewritten.
type ErrorRecord struct {
	Phase      Phase     `json:"phase"`
	Activity   string    `json:"activity"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkflowRun is the full state of one execution instance. It is owned
// and mutated exclusively by the workflow engine; everything else sees
// read-only projections of committed checkpoints.
type WorkflowRun struct {
	RunID        string        `json:"run_id"`
	CaseID       string        `json:"case_id"`
	Query        string        `json:"query,omitempty"`
	Status       Status        `json:"status"`
	Phase        Phase         `json:"phase"`
	ProgressPct  float64       `json:"progress_pct"`
	Errors       []ErrorRecord `json:"errors,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Outputs      PhaseOutputs  `json:"outputs"`
}

// FindingsCount sums committed findings across all analyst kinds.
func (r *WorkflowRun) FindingsCount() int {
	n := 0
	for _, res := range r.Outputs.Findings {
		if res != nil {
			n += len(res.Findings)
		}
	}
	return n
}

// PhaseOutputs accumulates each phase's committed result. A category is
// written exactly once, at the commit point of its phase; later phases
// only read earlier categories.
type PhaseOutputs struct {
	Inventories *Inventories                    `json:"inventories,omitempty"`
	CaseMap     map[string]string               `json:"case_map,omitempty"`
	Plan        *ResearchPlan                   `json:"plan,omitempty"`
	Findings    map[AnalystKind]*AnalysisResult `json:"findings,omitempty"`
	Correlation *CorrelationResult              `json:"correlation,omitempty"`
	Dossier     *Dossier                        `json:"dossier,omitempty"`
	ReportPaths []string                        `json:"report_paths,omitempty"`
}

// EvidenceRef points at one item of case evidence held by the external
// evidence store.
type EvidenceRef struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Inventories are the per-type evidence listings produced by discovery.
type Inventories struct {
	Documents      []EvidenceRef `json:"documents,omitempty"`
	Transcripts    []EvidenceRef `json:"transcripts,omitempty"`
	Communications []EvidenceRef `json:"communications,omitempty"`
}

// ForKind returns the inventory slice backing an analyst kind.
func (inv *Inventories) ForKind(kind AnalystKind) []EvidenceRef {
	if inv == nil {
		return nil
	}
	switch kind {
	case AnalystDocument:
		return inv.Documents
	case AnalystTranscript:
		return inv.Transcripts
	case AnalystCommunication:
		return inv.Communications
	default:
		return nil
	}
}

// ResearchPlan is the planning phase output.
type ResearchPlan struct {
	Objectives []string   `json:"objectives,omitempty"`
	Steps      []PlanStep `json:"steps,omitempty"`
	FocusAreas []string   `json:"focus_areas,omitempty"`
}

// PlanStep is one ordered step of the research plan.
type PlanStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Finding is one analyst conclusion tied to a piece of evidence.
type Finding struct {
	ID         string   `json:"id"`
	EvidenceID string   `json:"evidence_id,omitempty"`
	Summary    string   `json:"summary"`
	Detail     string   `json:"detail,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Citations  []string `json:"citations,omitempty"`
}

// Entity is a person, organization, or object surfaced by analysis.
type Entity struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// Event is a dated occurrence extracted from evidence.
type Event struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at,omitempty"`
	EntityIDs   []string  `json:"entity_ids,omitempty"`
}

// Relationship links two entities.
type Relationship struct {
	FromEntityID string `json:"from_entity_id"`
	ToEntityID   string `json:"to_entity_id"`
	Kind         string `json:"kind,omitempty"`
	Description  string `json:"description,omitempty"`
}

// AnalysisResult is the output of one analyst activity.
type AnalysisResult struct {
	Kind          AnalystKind    `json:"kind"`
	Findings      []Finding      `json:"findings,omitempty"`
	Entities      []Entity       `json:"entities,omitempty"`
	Events        []Event        `json:"events,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Contradiction flags findings that cannot all be true.
type Contradiction struct {
	FindingIDs  []string `json:"finding_ids"`
	Description string   `json:"description"`
}

// CorrelationResult is the correlation phase output.
type CorrelationResult struct {
	Timeline       []Event         `json:"timeline,omitempty"`
	EventChains    [][]string      `json:"event_chains,omitempty"`
	Contradictions []Contradiction `json:"contradictions,omitempty"`
	Gaps           []string        `json:"gaps,omitempty"`
	MergedEntities []Entity        `json:"merged_entities,omitempty"`
}

// DossierSection is one assembled section of the final dossier.
type DossierSection struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	FindingIDs []string `json:"finding_ids,omitempty"`
}

// Dossier is the synthesis phase output.
type Dossier struct {
	ExecutiveSummary string           `json:"executive_summary"`
	Sections         []DossierSection `json:"sections,omitempty"`
	Citations        []string         `json:"citations,omitempty"`
}
