package capabilities

import (
	"context"
	"errors"

	"github.com/caseweave/orchestrator/internal/models"
)

// ErrCaseNotFound is returned by a CaseRepository when the case id does
// not resolve to a known case.
var ErrCaseNotFound = errors.New("case not found")

// CaseRepository resolves case identifiers against the external case
// store. The engine uses it only to validate Start requests.
type CaseRepository interface {
	CaseExists(ctx context.Context, caseID string) (bool, error)
}

// DiscoveryResult is everything the discovery capability returns.
type DiscoveryResult struct {
	Inventories *models.Inventories
	CaseMap     map[string]string
}

// Discovery inventories the evidence attached to a case.
type Discovery interface {
	Discover(ctx context.Context, caseID string) (*DiscoveryResult, error)
}

// Planning builds a research plan from the discovered inventories and
// the optional caller query.
type Planning interface {
	Plan(ctx context.Context, inv *models.Inventories, query string) (*models.ResearchPlan, error)
}

// AnalysisRequest carries everything one analyst needs.
type AnalysisRequest struct {
	Kind      models.AnalystKind
	CaseID    string
	Plan      *models.ResearchPlan
	Inventory []models.EvidenceRef
}

// Analysis runs one analyst kind over its inventory slice.
type Analysis interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*models.AnalysisResult, error)
}

// CorrelationRequest aggregates all committed analysis output.
type CorrelationRequest struct {
	Findings      []models.Finding
	Entities      []models.Entity
	Events        []models.Event
	Relationships []models.Relationship
}

// Correlation builds the cross-evidence timeline and consistency view.
type Correlation interface {
	Correlate(ctx context.Context, req CorrelationRequest) (*models.CorrelationResult, error)
}

// SynthesisRequest carries the full accumulated state for dossier
// assembly.
type SynthesisRequest struct {
	Query       string
	Plan        *models.ResearchPlan
	Findings    []models.Finding
	Correlation *models.CorrelationResult
}

// Synthesis assembles the dossier.
type Synthesis interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*models.Dossier, error)
}

// ReportGeneration renders the dossier into deliverable files.
type ReportGeneration interface {
	Generate(ctx context.Context, dossier *models.Dossier) ([]string, error)
}

// Set bundles every collaborator the engine consumes. Faked wholesale
// in tests; backed by the agent service client in production.
type Set struct {
	Cases       CaseRepository
	Discovery   Discovery
	Planning    Planning
	Analysis    Analysis
	Correlation Correlation
	Synthesis   Synthesis
	Report      ReportGeneration
}
