package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/api"
	"github.com/datamind/control-plane/internal/api/handlers"
	"github.com/datamind/control-plane/internal/classify"
	"github.com/datamind/control-plane/internal/config"
	"github.com/datamind/control-plane/internal/escalation"
	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/internal/router"
	"github.com/datamind/control-plane/internal/store"
	"github.com/datamind/control-plane/pkg/models"
)

// ── Fakes ────────────────────────────────────────────────────

type fakeRunner struct {
	outcome  *models.Outcome
	err      error
	lastQ    models.Query
	chunks   []models.Chunk
	deadline bool
}

func (f *fakeRunner) Handle(ctx context.Context, q models.Query) (*models.Outcome, error) {
	return f.HandleWithChunks(ctx, q, nil)
}

func (f *fakeRunner) HandleWithChunks(ctx context.Context, q models.Query, chunks []models.Chunk) (*models.Outcome, error) {
	f.lastQ = q
	f.chunks = chunks
	_, f.deadline = ctx.Deadline()
	return f.outcome, f.err
}

type fakeTiers struct{}

func (fakeTiers) Usage() []models.TierUsage {
	return []models.TierUsage{{Tier: models.TierLocalSmall, Requests: 3, InputTokens: 120}}
}

func (fakeTiers) HealthCheck(context.Context) map[string]string {
	return map[string]string{"local_small": "ok"}
}

type fixture struct {
	handler http.Handler
	runner  *fakeRunner
	store   *store.MemoryStore
}

func newFixture(t *testing.T, apiKeys ...string) *fixture {
	t.Helper()
	return newFixtureWithRouting(t, router.DefaultConfig(), apiKeys...)
}

func newFixtureWithRouting(t *testing.T, rc router.Config, apiKeys ...string) *fixture {
	t.Helper()
	tr := router.New(rc, classify.RuleIntentClassifier{}, classify.HeuristicComplexityScorer{}, classify.RuleSensitivityDetector{})
	st := store.NewMemoryStore(store.Options{})
	t.Cleanup(func() { st.Close() })
	runner := &fakeRunner{}

	cfg := &config.Config{Server: config.ServerConfig{Version: "1.2.3", APIKeys: apiKeys}}
	h := &handlers.Handlers{
		Controller: runner,
		Router:     tr,
		Classifier: tr,
		Store:      st,
		Provenance: provenance.NewService(nil, provenance.Config{}),
		Tiers:      fakeTiers{},
	}
	return &fixture{handler: api.NewRouter(cfg, h), runner: runner, store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "acme")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// ── Info ─────────────────────────────────────────────────────

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, "secret")

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = f.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1.2.3")

	w = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyGuardsV1(t *testing.T) {
	f := newFixture(t, "secret")

	w := f.do(t, http.MethodGet, "/api/v1/tiers/usage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tiers/usage", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
}

// ── Query ────────────────────────────────────────────────────

func TestQuery_Accepted(t *testing.T) {
	f := newFixture(t)
	f.runner.outcome = &models.Outcome{RequestID: "r1", Status: models.OutcomeAccepted, FinalTier: models.TierLocalSmall}

	w := f.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{
		"text":       "How many orders shipped last week?",
		"force_tier": "cloud_standard",
		"timeout_ms": 1500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got models.Outcome
	decodeBody(t, w, &got)
	assert.Equal(t, models.OutcomeAccepted, got.Status)
	assert.Equal(t, "acme", f.runner.lastQ.TenantID)
	require.NotNil(t, f.runner.lastQ.ForceTier)
	assert.Equal(t, models.TierCloudStandard, *f.runner.lastQ.ForceTier)
	assert.True(t, f.runner.deadline)
	assert.Nil(t, f.runner.chunks)
}

func TestQuery_SuppliedChunks(t *testing.T) {
	f := newFixture(t)
	f.runner.outcome = &models.Outcome{Status: models.OutcomeAccepted}

	w := f.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{
		"text":   "revenue in Q3?",
		"chunks": []map[string]interface{}{{"id": "c1", "content": "Q3 revenue was 4.2M", "ingested_at": time.Now()}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, f.runner.chunks, 1)
	assert.Equal(t, "c1", f.runner.chunks[0].ID)
}

func TestQuery_FailureStatusCodes(t *testing.T) {
	cases := []struct {
		status models.OutcomeStatus
		want   int
	}{
		{models.OutcomeScopeViolation, http.StatusUnprocessableEntity},
		{models.OutcomeTierExhausted, http.StatusBadGateway},
		{models.OutcomeTimeout, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			f := newFixture(t)
			f.runner.outcome = &models.Outcome{Status: tc.status, Message: "nope"}
			f.runner.err = &escalation.Failure{Status: tc.status, Message: "nope"}

			w := f.do(t, http.MethodPost, "/api/v1/query", map[string]string{"text": "q"})
			assert.Equal(t, tc.want, w.Code)
			var got models.Outcome
			decodeBody(t, w, &got)
			assert.Equal(t, tc.status, got.Status)
		})
	}
}

func TestQuery_BadRequests(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/query", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"text": "q", "force_tier": "quantum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"text": "q", "chunks": []map[string]string{{"content": "no id"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "invalid_request", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestQuery_InternalError(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("route query: boom")

	w := f.do(t, http.MethodPost, "/api/v1/query", map[string]string{"text": "q"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ── Route & classify ─────────────────────────────────────────

func TestRouteAndClassify(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/route", map[string]interface{}{
		"text":  "What was total revenue last quarter?",
		"hints": map[string]bool{"finance": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d models.RouteDecision
	decodeBody(t, w, &d)
	assert.GreaterOrEqual(t, int(d.Tier), int(models.TierCloudStandard))
	assert.NotEmpty(t, d.Model)

	w = f.do(t, http.MethodPost, "/api/v1/classify", map[string]string{"text": "SELECT count(*) FROM orders"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sig router.Signals
	decodeBody(t, w, &sig)
	assert.NotEmpty(t, sig.Intent.Label)
	assert.NotEmpty(t, sig.Sensitivity.Level)
}

func TestNoEligibleTier(t *testing.T) {
	rc := router.DefaultConfig()
	rc.Bound = []models.InferenceTier{models.TierEdge, models.TierLocalSmall}
	f := newFixtureWithRouting(t, rc)
	finance := map[string]interface{}{
		"text":  "What was total revenue last quarter?",
		"hints": map[string]bool{"finance": true},
	}

	w := f.do(t, http.MethodPost, "/api/v1/route", finance)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "no_eligible_tier", body["error"])

	f.runner.err = fmt.Errorf("route query: %w", router.ErrBelowSafetyFloor)
	w = f.do(t, http.MethodPost, "/api/v1/query", finance)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

// ── Audit ────────────────────────────────────────────────────

func TestRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordOutcome(ctx, &models.Outcome{RequestID: "mine", TenantID: "acme", Status: models.OutcomeAccepted, CompletedAt: time.Now()}))
	require.NoError(t, f.store.RecordOutcome(ctx, &models.Outcome{RequestID: "theirs", TenantID: "beta", Status: models.OutcomeAccepted, CompletedAt: time.Now()}))

	w := f.do(t, http.MethodGet, "/api/v1/requests/mine", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var o models.Outcome
	decodeBody(t, w, &o)
	assert.Equal(t, "mine", o.RequestID)

	w = f.do(t, http.MethodGet, "/api/v1/requests/theirs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/requests/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Outcome
	decodeBody(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].RequestID)

	w = f.do(t, http.MethodGet, "/api/v1/requests/?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ── Provenance ───────────────────────────────────────────────

func TestProvenanceVerifyAndMerkle(t *testing.T) {
	f := newFixture(t)
	resp := &models.LLMResponse{Text: "Revenue was 4.2M.", Model: "phi3.5", PromptVersion: "v1"}
	rec := provenance.HashOutput(resp, provenance.MetadataOf(resp))

	w := f.do(t, http.MethodPost, "/api/v1/provenance/verify", rec)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var v struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, w, &v)
	assert.True(t, v.Valid)

	rec.ResponseText = "Revenue was 5.2M."
	w = f.do(t, http.MethodPost, "/api/v1/provenance/verify", rec)
	decodeBody(t, w, &v)
	assert.False(t, v.Valid)

	w = f.do(t, http.MethodPost, "/api/v1/provenance/merkle", map[string][]string{"outputs": {"a", "b", "c"}})
	require.Equal(t, http.StatusOK, w.Code)
	var m struct {
		Root   string `json:"merkle_root"`
		Leaves int    `json:"leaves"`
	}
	decodeBody(t, w, &m)
	want, err := provenance.BuildMerkleTree([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, want, m.Root)
	assert.Equal(t, 3, m.Leaves)

	w = f.do(t, http.MethodPost, "/api/v1/provenance/merkle", map[string][]string{"outputs": {}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProvenance(t *testing.T) {
	f := newFixture(t)
	resp := &models.LLMResponse{Text: "ok", Model: "m"}
	rec := provenance.HashOutput(resp, provenance.MetadataOf(resp))
	rec.ID = "prov-1"
	require.NoError(t, f.store.RecordOutcome(context.Background(), &models.Outcome{RequestID: "r", TenantID: "acme", Provenance: &rec}))

	w := f.do(t, http.MethodGet, "/api/v1/provenance/prov-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":true`)

	w = f.do(t, http.MethodGet, "/api/v1/provenance/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ── Tiers ────────────────────────────────────────────────────

func TestTiers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/tiers/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage []models.TierUsage
	decodeBody(t, w, &usage)
	require.Len(t, usage, 1)
	assert.Equal(t, models.TierLocalSmall, usage[0].Tier)

	w = f.do(t, http.MethodGet, "/api/v1/tiers/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local_small")
}
