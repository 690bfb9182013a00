package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/datamind/control-plane/pkg/models"
)

// Driver is one model provider integration.
// Shipped drivers: anthropic, openai (and OpenAI-compatible endpoints), ollama.
//
// The adapter never branches on provider identity; it resolves a Binding for
// the requested tier and hands the completion to the Driver registered under
// the binding's Kind.
type Driver interface {
	// Kind returns the provider identifier (e.g. "anthropic", "ollama").
	Kind() string

	// Complete sends one chat completion request.
	Complete(ctx context.Context, b Binding, req CompletionRequest) (*Completion, error)

	// HealthCheck verifies the provider behind a binding is reachable.
	HealthCheck(ctx context.Context, b Binding) error
}

// Binding connects a tier to a provider and model.
type Binding struct {
	Tier     models.InferenceTier `json:"tier"`
	Kind     string               `json:"kind"`
	Model    string               `json:"model"`
	Endpoint string               `json:"endpoint,omitempty"`
	APIKey   string               `json:"-"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`

	// RatePerSecond and Burst configure the tier's provider limiter.
	// Zero means unlimited.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Burst         int     `json:"burst,omitempty"`

	// TokenBudget caps total tokens spent on this tier. Zero means unlimited.
	TokenBudget int64 `json:"token_budget,omitempty"`

	CostPer1KInput  float64 `json:"cost_per_1k_input,omitempty"`
	CostPer1KOutput float64 `json:"cost_per_1k_output,omitempty"`
}

// Message is a chat message sent to a driver.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// CompletionRequest is the provider-neutral request handed to a Driver.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is a provider-neutral completion.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ── Driver Registry ─────────────────────────────────────────

// Registry holds drivers by kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates a registry with the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.RegisterDriver(d)
	}
	return r
}

// NewDefaultRegistry creates a registry with the built-in drivers.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewAnthropicDriver(), NewOpenAIDriver(), NewOllamaDriver())
}

// RegisterDriver adds or replaces a driver.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// GetDriver returns the driver for kind, or nil.
func (r *Registry) GetDriver(kind string) Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drivers[kind]
}

// ListDrivers returns the registered kinds, sorted.
func (r *Registry) ListDrivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) driverFor(b Binding) (Driver, error) {
	d := r.GetDriver(b.Kind)
	if d == nil {
		return nil, fmt.Errorf("%w: no driver registered for kind %q", ErrProvider, b.Kind)
	}
	return d, nil
}
