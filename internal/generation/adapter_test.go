package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/generation"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// mockDriver is a test Driver.
type mockDriver struct {
	kind  string
	text  string
	err   error
	delay time.Duration

	mu   sync.Mutex
	reqs []generation.CompletionRequest
}

func (d *mockDriver) Kind() string { return d.kind }

func (d *mockDriver) Complete(ctx context.Context, _ generation.Binding, req generation.CompletionRequest) (*generation.Completion, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &generation.Completion{Text: d.text, InputTokens: 100, OutputTokens: 50}, nil
}

func (d *mockDriver) HealthCheck(context.Context, generation.Binding) error { return d.err }

func newTestAdapter(t *testing.T, d *mockDriver, bindings ...generation.Binding) *generation.Adapter {
	t.Helper()
	if len(bindings) == 0 {
		bindings = []generation.Binding{{Tier: models.TierLocalSmall, Kind: d.kind, Model: "phi3.5"}}
	}
	a, err := generation.NewAdapter(generation.NewRegistry(d), bindings)
	require.NoError(t, err)
	return a
}

func TestDefaultRegistry(t *testing.T) {
	reg := generation.NewDefaultRegistry()
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, reg.ListDrivers())
	assert.Nil(t, reg.GetDriver("bedrock"))

	reg.RegisterDriver(&mockDriver{kind: "test-provider"})
	got := reg.GetDriver("test-provider")
	require.NotNil(t, got)
	if got.Kind() != "test-provider" {
		t.Errorf("GetDriver().Kind() = %q, want %q", got.Kind(), "test-provider")
	}
}

func TestNewAdapter_RejectsBadBindings(t *testing.T) {
	reg := generation.NewRegistry(&mockDriver{kind: "mock"})

	_, err := generation.NewAdapter(reg, []generation.Binding{{Tier: models.TierEdge, Kind: "nope"}})
	assert.Error(t, err)

	_, err = generation.NewAdapter(reg, []generation.Binding{
		{Tier: models.TierEdge, Kind: "mock"},
		{Tier: models.TierEdge, Kind: "mock"},
	})
	assert.Error(t, err)
}

func TestGenerate_ReturnsExactChunks(t *testing.T) {
	d := &mockDriver{kind: "mock", text: "Revenue was 10 [chunk:c1]."}
	a := newTestAdapter(t, d)

	chunks := []models.Chunk{
		{ID: "c1", Content: "Revenue 10", IngestedAt: time.Now()},
		{ID: "c2", Content: "Costs 4", IngestedAt: time.Now()},
	}
	resp, err := a.Generate(context.Background(), contracts.GenerateRequest{
		Tier:         models.TierLocalSmall,
		Query:        models.Query{Text: "What was revenue?"},
		Context:      chunks,
		Instructions: []string{"Cite every number."},
		Attempt:      2,
	})
	require.NoError(t, err)

	assert.Equal(t, chunks, resp.UsedChunks)
	assert.Equal(t, models.TierLocalSmall, resp.Tier)
	assert.Equal(t, "mock", resp.Provider)
	assert.Equal(t, "phi3.5", resp.Model)
	assert.Equal(t, generation.PromptVersion, resp.PromptVersion)
	assert.Equal(t, 2, resp.Attempt)
	assert.Equal(t, int64(150), resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.ID)

	require.Len(t, d.reqs, 1)
	prompt := d.reqs[0].Messages[0].Content
	assert.Contains(t, prompt, "[chunk:c1]")
	assert.Contains(t, prompt, "[chunk:c2]")
	assert.Contains(t, prompt, "Cite every number.")
}

func TestGenerate_RequestOverrides(t *testing.T) {
	d := &mockDriver{kind: "mock", text: "{}"}
	a := newTestAdapter(t, d, generation.Binding{Tier: models.TierCloudStandard, Kind: "mock", Model: "default", Temperature: 0.2})

	temp := 0.9
	_, err := a.Generate(context.Background(), contracts.GenerateRequest{
		Tier:        models.TierCloudStandard,
		Query:       models.Query{Text: "q"},
		Model:       "override",
		System:      "classify",
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "override", d.reqs[0].Model)
	assert.Equal(t, "classify", d.reqs[0].System)
	assert.Equal(t, 0.9, d.reqs[0].Temperature)
}

func TestGenerate_UnboundTier(t *testing.T) {
	a := newTestAdapter(t, &mockDriver{kind: "mock"})
	_, err := a.Generate(context.Background(), contracts.GenerateRequest{Tier: models.TierReasoning})
	assert.ErrorIs(t, err, generation.ErrProvider)
}

func TestGenerate_TimeoutClassified(t *testing.T) {
	d := &mockDriver{kind: "mock", text: "late", delay: time.Second}
	a := newTestAdapter(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Generate(ctx, contracts.GenerateRequest{Tier: models.TierLocalSmall, Query: models.Query{Text: "q"}})
	assert.ErrorIs(t, err, generation.ErrGenerationTimeout)
	assert.NotErrorIs(t, err, generation.ErrProvider)
}

func TestGenerate_ProviderErrorClassified(t *testing.T) {
	d := &mockDriver{kind: "mock", err: errors.New("status 500")}
	a := newTestAdapter(t, d)

	_, err := a.Generate(context.Background(), contracts.GenerateRequest{Tier: models.TierLocalSmall, Query: models.Query{Text: "q"}})
	assert.ErrorIs(t, err, generation.ErrProvider)
	assert.NotErrorIs(t, err, generation.ErrGenerationTimeout)
}

func TestGenerate_TokenBudgetSharedAcrossRequests(t *testing.T) {
	d := &mockDriver{kind: "mock", text: "ok"}
	a := newTestAdapter(t, d, generation.Binding{
		Tier: models.TierLocalSmall, Kind: "mock", Model: "m", TokenBudget: 1500,
		CostPer1KInput: 1, CostPer1KOutput: 2,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Generate(context.Background(), contracts.GenerateRequest{Tier: models.TierLocalSmall, Query: models.Query{Text: "q"}})
		}()
	}
	wg.Wait()

	usage := a.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(10), usage[0].Requests)
	assert.Equal(t, int64(1000), usage[0].InputTokens)
	assert.InDelta(t, 10*(0.1+0.1), usage[0].CostUSD, 1e-9)
	assert.Equal(t, int64(0), usage[0].RemainingTokens)

	_, err := a.Generate(context.Background(), contracts.GenerateRequest{Tier: models.TierLocalSmall, Query: models.Query{Text: "q"}})
	assert.ErrorIs(t, err, generation.ErrBudgetExhausted)
	assert.ErrorIs(t, err, generation.ErrProvider)
}

func TestGenerate_RateLimiterHonoursDeadline(t *testing.T) {
	d := &mockDriver{kind: "mock", text: "ok"}
	a := newTestAdapter(t, d, generation.Binding{
		Tier: models.TierEdge, Kind: "mock", Model: "m", RatePerSecond: 0.1, Burst: 1,
	})

	_, err := a.Generate(context.Background(), contracts.GenerateRequest{Tier: models.TierEdge, Query: models.Query{Text: "q"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Generate(ctx, contracts.GenerateRequest{Tier: models.TierEdge, Query: models.Query{Text: "q"}})
	assert.ErrorIs(t, err, generation.ErrGenerationTimeout)
}

func TestHealthCheck(t *testing.T) {
	a := newTestAdapter(t, &mockDriver{kind: "mock"})
	assert.Equal(t, map[string]string{"local_small": "healthy"}, a.HealthCheck(context.Background()))
}

func TestTokenBudget(t *testing.T) {
	b := generation.NewTokenBudget(0)
	b.Consume(1 << 40)
	assert.True(t, b.Available())
	assert.Equal(t, int64(0), b.Remaining())

	b = generation.NewTokenBudget(100)
	assert.Equal(t, int64(60), b.Consume(60))
	assert.Equal(t, int64(40), b.Remaining())
	b.Consume(40)
	assert.False(t, b.Available())
}

func TestOpenAIDriver_CompatibleEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3.3:70b", body["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "llama3.3:70b",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "42 [chunk:a]"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer ts.Close()

	comp, err := generation.NewOpenAIDriver().Complete(context.Background(),
		generation.Binding{Tier: models.TierCloudStandard, Kind: "openai", Endpoint: ts.URL + "/v1", APIKey: "test-key"},
		generation.CompletionRequest{Model: "llama3.3:70b", System: "sys", Messages: []generation.Message{{Role: "user", Content: "hi"}}, MaxTokens: 64},
	)
	require.NoError(t, err)
	assert.Equal(t, "42 [chunk:a]", comp.Text)
	assert.Equal(t, int64(12), comp.InputTokens)
	assert.Equal(t, int64(3), comp.OutputTokens)
}

func TestAnthropicDriver_Messages(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_test_001",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": "Revenue rose [chunk:r1]."}},
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer ts.Close()

	comp, err := generation.NewAnthropicDriver().Complete(context.Background(),
		generation.Binding{Tier: models.TierReasoning, Kind: "anthropic", Endpoint: ts.URL, APIKey: "test-key"},
		generation.CompletionRequest{Model: "claude-sonnet-4-5", System: "sys", Messages: []generation.Message{{Role: "user", Content: "hi"}}, MaxTokens: 64},
	)
	require.NoError(t, err)
	assert.Equal(t, "Revenue rose [chunk:r1].", comp.Text)
	assert.Equal(t, "claude-sonnet-4-5", comp.Model)
	assert.Equal(t, int64(10), comp.InputTokens)
}

func TestAnthropicDriver_RequiresKey(t *testing.T) {
	_, err := generation.NewAnthropicDriver().Complete(context.Background(),
		generation.Binding{Tier: models.TierReasoning, Kind: "anthropic"},
		generation.CompletionRequest{Model: "m"},
	)
	assert.Error(t, err)
}
