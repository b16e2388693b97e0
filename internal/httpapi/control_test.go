package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caseweave/orchestrator/internal/activities"
	"github.com/caseweave/orchestrator/internal/capabilities"
	"github.com/caseweave/orchestrator/internal/checkpoint"
	"github.com/caseweave/orchestrator/internal/models"
	"github.com/caseweave/orchestrator/internal/progress"
	"github.com/caseweave/orchestrator/internal/signals"
	"github.com/caseweave/orchestrator/internal/streaming"
	"github.com/caseweave/orchestrator/internal/workflows"
)

// stubCaps completes every run immediately with empty outputs.
type stubCaps struct{}

func (stubCaps) CaseExists(ctx context.Context, caseID string) (bool, error) {
	return caseID == "case-1", nil
}
func (stubCaps) Discover(ctx context.Context, caseID string) (*capabilities.DiscoveryResult, error) {
	return &capabilities.DiscoveryResult{Inventories: &models.Inventories{}}, nil
}
func (stubCaps) Plan(ctx context.Context, inv *models.Inventories, query string) (*models.ResearchPlan, error) {
	return &models.ResearchPlan{}, nil
}
func (stubCaps) Analyze(ctx context.Context, req capabilities.AnalysisRequest) (*models.AnalysisResult, error) {
	return &models.AnalysisResult{Kind: req.Kind}, nil
}
func (stubCaps) Correlate(ctx context.Context, req capabilities.CorrelationRequest) (*models.CorrelationResult, error) {
	return &models.CorrelationResult{}, nil
}
func (stubCaps) Synthesize(ctx context.Context, req capabilities.SynthesisRequest) (*models.Dossier, error) {
	return &models.Dossier{}, nil
}
func (stubCaps) Generate(ctx context.Context, dossier *models.Dossier) ([]string, error) {
	return []string{"report.pdf"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *workflows.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := checkpoint.NewMemoryStore()
	var caps stubCaps
	engine := workflows.NewEngine(workflows.DefaultConfig(), workflows.Deps{
		Store:   store,
		Journal: store,
		Caps: capabilities.Set{
			Cases: caps, Discovery: caps, Planning: caps, Analysis: caps,
			Correlation: caps, Synthesis: caps, Report: caps,
		},
		Exec:    activities.NewExecutor(activities.DefaultRetryPolicy(), nil, logger),
		Mailbox: signals.NewMailbox(),
		Tracker: progress.NewTracker(),
		Streams: streaming.NewManager(64),
		Logger:  logger,
	})
	mux := http.NewServeMux()
	NewControlHandler(engine, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, engine.Shutdown(ctx))
	})
	return srv, engine
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func startRun(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]string{"case_id": "case-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.RunID)
	return out.RunID
}

func waitCompleted(t *testing.T, engine *workflows.Engine, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := engine.GetStatus(context.Background(), runID)
		return err == nil && snap.Status == models.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartAndGetStatus(t *testing.T) {
	srv, engine := newTestServer(t)
	runID := startRun(t, srv)
	waitCompleted(t, engine, runID)

	resp, err := http.Get(srv.URL + "/api/v1/workflows/" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap progress.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, runID, snap.RunID)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.ProgressPct)
}

func TestStartValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/workflows", map[string]string{"case_id": "nope"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/workflows/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlStateConflicts(t *testing.T) {
	srv, engine := newTestServer(t)
	runID := startRun(t, srv)
	waitCompleted(t, engine, runID)

	// Pausing or resuming a finished run conflicts with its state.
	resp := postJSON(t, srv.URL+"/api/v1/workflows/"+runID+"/pause", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/workflows/"+runID+"/resume", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancel stays idempotent even after completion.
	resp = postJSON(t, srv.URL+"/api/v1/workflows/"+runID+"/cancel", map[string]string{"reason": "late"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodRouting(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/workflows")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/workflows/some-id/unknown-action", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
