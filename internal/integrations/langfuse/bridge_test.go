package langfuse_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/integrations/langfuse"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

type rawEvent struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type ingestServer struct {
	mu      sync.Mutex
	batches [][]rawEvent
	status  int
}

func (s *ingestServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/ingestion", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "pk", user)
		assert.Equal(t, "sk", pass)

		var body struct {
			Batch []rawEvent `json:"batch"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mu.Lock()
		s.batches = append(s.batches, body.Batch)
		status := s.status
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusMultiStatus
		}
		w.WriteHeader(status)
	}
}

func (s *ingestServer) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *ingestServer) events() []rawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rawEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func newBridge(t *testing.T, srv *ingestServer, batch int) *langfuse.Bridge {
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	return langfuse.NewBridge(langfuse.Config{BaseURL: ts.URL + "/", PublicKey: "pk", SecretKey: "sk", BatchSize: batch})
}

func TestBridge_ExportsSpansAndOutcome(t *testing.T) {
	srv := &ingestServer{}
	b := newBridge(t, srv, 100)

	ctx := contracts.WithRequestID(context.Background(), "req-42")
	ctx, root := b.StartSpan(ctx, "request")
	_, gen := b.StartSpan(ctx, "generate")
	b.EndSpan(gen, contracts.SpanMetrics{Tier: "local_small", Attempt: 1, TokensIn: 120, TokensOut: 40, Status: "ok"})
	_, val := b.StartSpan(ctx, "validate")
	score := 0.92
	b.EndSpan(val, contracts.SpanMetrics{Tier: "local_small", Attempt: 1, Score: &score, Status: "accept"})
	b.EndSpan(root, contracts.SpanMetrics{Status: "accepted"})

	require.NoError(t, b.RecordOutcome(ctx, &models.Outcome{
		RequestID: "req-42",
		TenantID:  "acme",
		Status:    models.OutcomeAccepted,
		FinalTier: models.TierLocalSmall,
		Response:  &models.LLMResponse{Text: "answer", Model: "phi3.5"},
		Trace:     []models.AttemptTrace{{Attempt: 1}},
	}))
	assert.Equal(t, 5, b.Pending())

	require.NoError(t, b.Flush(context.Background()))
	assert.Zero(t, b.Pending())

	events := srv.events()
	require.Len(t, events, 5)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []string{"generation-create", "span-create", "score-create", "span-create", "trace-create"}, types)

	var genObs langfuse.LangFuseObservation
	require.NoError(t, json.Unmarshal(events[0].Body, &genObs))
	assert.Equal(t, "req-42", genObs.TraceID)
	assert.NotEmpty(t, genObs.ParentObservationID)
	require.NotNil(t, genObs.Usage)
	assert.Equal(t, int64(160), genObs.Usage.Total)

	var sc langfuse.LangFuseScore
	require.NoError(t, json.Unmarshal(events[2].Body, &sc))
	assert.Equal(t, "faithfulness", sc.Name)
	assert.InDelta(t, 0.92, sc.Value, 1e-9)

	var tr langfuse.LangFuseTrace
	require.NoError(t, json.Unmarshal(events[4].Body, &tr))
	assert.Equal(t, "req-42", tr.ID)
	assert.Equal(t, "acme", tr.UserID)
	assert.Contains(t, tr.Tags, "accepted")
}

func TestBridge_ErrorSpanLevel(t *testing.T) {
	srv := &ingestServer{}
	b := newBridge(t, srv, 100)

	_, s := b.StartSpan(context.Background(), "generate")
	b.EndSpan(s, contracts.SpanMetrics{Err: errors.New("provider unavailable")})
	require.NoError(t, b.Flush(context.Background()))

	events := srv.events()
	require.Len(t, events, 1)
	var obs langfuse.LangFuseObservation
	require.NoError(t, json.Unmarshal(events[0].Body, &obs))
	assert.Equal(t, "ERROR", obs.Level)
	assert.Equal(t, "provider unavailable", obs.StatusMessage)
	assert.NotEmpty(t, obs.TraceID)
}

func TestBridge_FlushSplitsBatches(t *testing.T) {
	srv := &ingestServer{}
	b := newBridge(t, srv, 2)
	for i := 0; i < 5; i++ {
		_, s := b.StartSpan(context.Background(), "validate")
		b.EndSpan(s, contracts.SpanMetrics{})
	}
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 3, srv.batchCount())
	assert.Len(t, srv.events(), 5)
}

func TestBridge_FlushError(t *testing.T) {
	srv := &ingestServer{status: http.StatusUnauthorized}
	b := newBridge(t, srv, 100)
	require.NoError(t, b.RecordOutcome(context.Background(), &models.Outcome{RequestID: "r"}))

	err := b.Flush(context.Background())
	assert.ErrorContains(t, err, "HTTP 401")
	assert.Zero(t, b.Pending(), "failed batches are dropped")
}

func TestBridge_RunFlushesOnShutdown(t *testing.T) {
	srv := &ingestServer{}
	b := newBridge(t, srv, 100)
	require.NoError(t, b.RecordOutcome(context.Background(), &models.Outcome{RequestID: "r"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, srv.events(), 1)
}
