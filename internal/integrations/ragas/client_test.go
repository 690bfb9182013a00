package ragas_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/integrations/ragas"
)

func TestEntailment(t *testing.T) {
	var got ragas.EvalRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/evaluate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ragas.EvalResponse{Scores: map[string]float64{"faithfulness": 0.82}})
	}))
	defer ts.Close()

	c := ragas.NewClient(ts.URL+"/", time.Second)
	score, err := c.Entailment(context.Background(), "Revenue was 10M.", "Revenue was 10M.")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, score, 1e-9)
	assert.Equal(t, []string{"faithfulness"}, got.Metrics)
	assert.Equal(t, []string{"Revenue was 10M."}, got.Contexts)
}

func TestEntailment_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ragas.EvalResponse{Scores: map[string]float64{"answer_relevancy": 1}})
	}))
	defer ts.Close()

	c := ragas.NewClient(ts.URL, time.Second)
	_, err := c.Entailment(context.Background(), "a", "b")
	assert.ErrorContains(t, err, "no faithfulness score")
	assert.Error(t, c.HealthCheck(context.Background()))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer failing.Close()
	_, err = ragas.NewClient(failing.URL, time.Second).Entailment(context.Background(), "a", "b")
	assert.ErrorContains(t, err, "returned 500")
}
