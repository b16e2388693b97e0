// Package agentclient implements the analysis capabilities against the
// external reasoning agent service over HTTP. Every method maps to one
// agent endpoint; request/response bodies are JSON.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/capabilities"
	"github.com/caseweave/orchestrator/internal/circuitbreaker"
	"github.com/caseweave/orchestrator/internal/models"
	"github.com/caseweave/orchestrator/internal/tracing"
)

// Config holds agent service connection settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client talks to the agent service. It implements every capability
// interface except CaseRepository, which belongs to the case store.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// New creates a client with sane defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		// Analyst calls routinely run for many minutes; the per-attempt
		// deadline comes from the activity executor's context, not here.
		cfg.Timeout = 90 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New("agent-service", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Capabilities returns the capability set backed by this client plus
// the given case repository.
func (c *Client) Capabilities(cases capabilities.CaseRepository) capabilities.Set {
	return capabilities.Set{
		Cases:       cases,
		Discovery:   c,
		Planning:    c,
		Analysis:    c,
		Correlation: c,
		Synthesis:   c,
		Report:      c,
	}
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.doPost(ctx, path, in, out)
	})
}

func (c *Client) doPost(ctx context.Context, path string, in, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "agent.call", attribute.String("http.path", path))
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("agent call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("agent call %s: status %d: %s", path, resp.StatusCode, string(b))
		span.RecordError(err)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type discoverRequest struct {
	CaseID string `json:"case_id"`
}

type discoverResponse struct {
	Inventories *models.Inventories `json:"inventories"`
	CaseMap     map[string]string   `json:"case_map"`
}

// Discover implements capabilities.Discovery.
func (c *Client) Discover(ctx context.Context, caseID string) (*capabilities.DiscoveryResult, error) {
	var out discoverResponse
	if err := c.post(ctx, "/v1/discover", discoverRequest{CaseID: caseID}, &out); err != nil {
		return nil, err
	}
	if out.Inventories == nil {
		out.Inventories = &models.Inventories{}
	}
	return &capabilities.DiscoveryResult{Inventories: out.Inventories, CaseMap: out.CaseMap}, nil
}

type planRequest struct {
	Inventories *models.Inventories `json:"inventories"`
	Query       string              `json:"query,omitempty"`
}

type planResponse struct {
	Plan *models.ResearchPlan `json:"plan"`
}

// Plan implements capabilities.Planning.
func (c *Client) Plan(ctx context.Context, inv *models.Inventories, query string) (*models.ResearchPlan, error) {
	var out planResponse
	if err := c.post(ctx, "/v1/plan", planRequest{Inventories: inv, Query: query}, &out); err != nil {
		return nil, err
	}
	if out.Plan == nil {
		return nil, fmt.Errorf("agent returned empty plan")
	}
	return out.Plan, nil
}

type analyzeRequest struct {
	Kind      models.AnalystKind   `json:"kind"`
	CaseID    string               `json:"case_id"`
	Plan      *models.ResearchPlan `json:"plan"`
	Inventory []models.EvidenceRef `json:"inventory"`
}

type analyzeResponse struct {
	Result *models.AnalysisResult `json:"result"`
}

// Analyze implements capabilities.Analysis.
func (c *Client) Analyze(ctx context.Context, req capabilities.AnalysisRequest) (*models.AnalysisResult, error) {
	var out analyzeResponse
	in := analyzeRequest{Kind: req.Kind, CaseID: req.CaseID, Plan: req.Plan, Inventory: req.Inventory}
	if err := c.post(ctx, "/v1/analyze", in, &out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, fmt.Errorf("agent returned empty analysis result for %s", req.Kind)
	}
	out.Result.Kind = req.Kind
	return out.Result, nil
}

type correlateResponse struct {
	Result *models.CorrelationResult `json:"result"`
}

// Correlate implements capabilities.Correlation.
func (c *Client) Correlate(ctx context.Context, req capabilities.CorrelationRequest) (*models.CorrelationResult, error) {
	var out correlateResponse
	if err := c.post(ctx, "/v1/correlate", req, &out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, fmt.Errorf("agent returned empty correlation result")
	}
	return out.Result, nil
}

type synthesizeResponse struct {
	Dossier *models.Dossier `json:"dossier"`
}

// Synthesize implements capabilities.Synthesis.
func (c *Client) Synthesize(ctx context.Context, req capabilities.SynthesisRequest) (*models.Dossier, error) {
	var out synthesizeResponse
	if err := c.post(ctx, "/v1/synthesize", req, &out); err != nil {
		return nil, err
	}
	if out.Dossier == nil {
		return nil, fmt.Errorf("agent returned empty dossier")
	}
	return out.Dossier, nil
}

type generateRequest struct {
	Dossier *models.Dossier `json:"dossier"`
}

type generateResponse struct {
	FilePaths []string `json:"file_paths"`
}

// Generate implements capabilities.ReportGeneration.
func (c *Client) Generate(ctx context.Context, dossier *models.Dossier) ([]string, error) {
	var out generateResponse
	if err := c.post(ctx, "/v1/report", generateRequest{Dossier: dossier}, &out); err != nil {
		return nil, err
	}
	return out.FilePaths, nil
}
