// Package generation implements the Generation Adapter: a provider-neutral
// Generate call backed by per-tier bindings to model provider drivers.
//
// The adapter owns the only cross-request mutable state of the control loop:
// a rate limiter and an atomic token budget per tier.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

const defaultMaxTokens = 2048

// Adapter implements contracts.Generator.
type Adapter struct {
	registry *Registry
	bindings map[models.InferenceTier]Binding
	limiters map[models.InferenceTier]*rate.Limiter
	budgets  map[models.InferenceTier]*TokenBudget

	// Latency tracking: tier → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[models.InferenceTier]int64

	usageMu sync.Mutex
	usage   map[models.InferenceTier]*models.TierUsage

	now func() time.Time
}

// NewAdapter creates an adapter. Every binding must name a registered driver
// and at most one binding may exist per tier.
func NewAdapter(reg *Registry, bindings []Binding) (*Adapter, error) {
	a := &Adapter{
		registry:  reg,
		bindings:  make(map[models.InferenceTier]Binding),
		limiters:  make(map[models.InferenceTier]*rate.Limiter),
		budgets:   make(map[models.InferenceTier]*TokenBudget),
		latencies: make(map[models.InferenceTier]int64),
		usage:     make(map[models.InferenceTier]*models.TierUsage),
		now:       time.Now,
	}
	for _, b := range bindings {
		if !b.Tier.Valid() {
			return nil, fmt.Errorf("binding: invalid tier %d", int(b.Tier))
		}
		if _, dup := a.bindings[b.Tier]; dup {
			return nil, fmt.Errorf("binding: duplicate binding for tier %s", b.Tier)
		}
		if reg.GetDriver(b.Kind) == nil {
			return nil, fmt.Errorf("binding %s: unknown driver kind %q", b.Tier, b.Kind)
		}
		if b.MaxTokens <= 0 {
			b.MaxTokens = defaultMaxTokens
		}
		a.bindings[b.Tier] = b
		if b.RatePerSecond > 0 {
			burst := b.Burst
			if burst <= 0 {
				burst = 1
			}
			a.limiters[b.Tier] = rate.NewLimiter(rate.Limit(b.RatePerSecond), burst)
		}
		a.budgets[b.Tier] = NewTokenBudget(b.TokenBudget)
		a.usage[b.Tier] = &models.TierUsage{Tier: b.Tier, BudgetTokens: b.TokenBudget}
	}
	return a, nil
}

// Binding returns the binding configured for a tier.
func (a *Adapter) Binding(tier models.InferenceTier) (Binding, bool) {
	b, ok := a.bindings[tier]
	return b, ok
}

// Generate sends the query and context to the tier's provider. On success the
// response carries exactly the chunks passed in req.Context.
func (a *Adapter) Generate(ctx context.Context, req contracts.GenerateRequest) (*models.LLMResponse, error) {
	b, ok := a.bindings[req.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: no binding for tier %s", ErrProvider, req.Tier)
	}
	tier := req.Tier.String()

	budget := a.budgets[req.Tier]
	if !budget.Available() {
		generationRequests.WithLabelValues(tier, b.Kind, "budget").Inc()
		return nil, fmt.Errorf("%s: %w: %w", req.Tier, ErrProvider, ErrBudgetExhausted)
	}

	if lim := a.limiters[req.Tier]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			generationRequests.WithLabelValues(tier, b.Kind, "timeout").Inc()
			return nil, fmt.Errorf("%s: rate limiter: %w: %w", req.Tier, ErrGenerationTimeout, err)
		}
	}

	driver, err := a.registry.driverFor(b)
	if err != nil {
		return nil, err
	}

	model := b.Model
	if req.Model != "" {
		model = req.Model
	}
	system := defaultSystemPrompt
	if req.System != "" {
		system = req.System
	}
	temperature := b.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	start := a.now()
	comp, err := driver.Complete(ctx, b, CompletionRequest{
		Model:       model,
		System:      system,
		Messages:    []Message{{Role: "user", Content: RenderPrompt(req.Query, req.Context, req.Instructions)}},
		Temperature: temperature,
		MaxTokens:   b.MaxTokens,
	})
	latency := a.now().Sub(start)
	generationLatency.WithLabelValues(tier).Observe(latency.Seconds())

	if err != nil {
		err = classify(b.Kind, err)
		status := "error"
		if errors.Is(err, ErrGenerationTimeout) {
			status = "timeout"
		}
		generationRequests.WithLabelValues(tier, b.Kind, status).Inc()
		log.Warn().
			Str("tier", tier).
			Str("provider", b.Kind).
			Str("model", model).
			Err(err).
			Msg("Generation failed")
		return nil, err
	}
	generationRequests.WithLabelValues(tier, b.Kind, "ok").Inc()

	if comp.Model != "" {
		model = comp.Model
	}
	usage := models.TokenUsage{
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		TotalTokens:  comp.InputTokens + comp.OutputTokens,
	}
	usage.EstimatedCost = float64(comp.InputTokens)/1000*b.CostPer1KInput +
		float64(comp.OutputTokens)/1000*b.CostPer1KOutput

	budget.Consume(usage.TotalTokens)
	a.trackUsage(req.Tier, usage)
	a.trackLatency(req.Tier, latency.Milliseconds())

	used := make([]models.Chunk, len(req.Context))
	copy(used, req.Context)

	return &models.LLMResponse{
		ID:            uuid.New().String(),
		Text:          comp.Text,
		Tier:          req.Tier,
		Provider:      b.Kind,
		Model:         model,
		PromptVersion: PromptVersion,
		Usage:         usage,
		UsedChunks:    used,
		Attempt:       req.Attempt,
		LatencyMs:     latency.Milliseconds(),
		CreatedAt:     a.now().UTC(),
	}, nil
}

// HealthCheck pings every bound provider and returns their status by tier.
func (a *Adapter) HealthCheck(ctx context.Context) map[string]string {
	out := make(map[string]string, len(a.bindings))
	for tier, b := range a.bindings {
		driver, err := a.registry.driverFor(b)
		if err == nil {
			err = driver.HealthCheck(ctx, b)
		}
		if err != nil {
			out[tier.String()] = "unhealthy: " + err.Error()
			continue
		}
		out[tier.String()] = "healthy"
	}
	return out
}

// ── Usage & Latency Tracking ────────────────────────────────

func (a *Adapter) trackUsage(tier models.InferenceTier, u models.TokenUsage) {
	generationTokens.WithLabelValues(tier.String(), "input").Add(float64(u.InputTokens))
	generationTokens.WithLabelValues(tier.String(), "output").Add(float64(u.OutputTokens))

	a.usageMu.Lock()
	defer a.usageMu.Unlock()
	s := a.usage[tier]
	s.Requests++
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.CostUSD += u.EstimatedCost
}

func (a *Adapter) trackLatency(tier models.InferenceTier, ms int64) {
	a.latencyMu.Lock()
	defer a.latencyMu.Unlock()
	prev := a.latencies[tier]
	if prev == 0 {
		a.latencies[tier] = ms
		return
	}
	// Exponential moving average
	a.latencies[tier] = (prev*7 + ms*3) / 10
}

// AverageLatency returns the rolling average latency of a tier in ms.
func (a *Adapter) AverageLatency(tier models.InferenceTier) int64 {
	a.latencyMu.RLock()
	defer a.latencyMu.RUnlock()
	return a.latencies[tier]
}

// Usage returns per-tier usage and remaining budget, ordered by tier.
func (a *Adapter) Usage() []models.TierUsage {
	a.usageMu.Lock()
	out := make([]models.TierUsage, 0, len(a.usage))
	for tier, s := range a.usage {
		u := *s
		u.RemainingTokens = a.budgets[tier].Remaining()
		out = append(out, u)
	}
	a.usageMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}
