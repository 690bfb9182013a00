// Package contracts defines the collaborator interfaces of the inference
// control plane.
//
// The control loop (router, validation pipeline, escalation controller,
// provenance service) only ever talks to these interfaces. Concrete
// implementations live under internal/ and are selected in the wiring code
// (pkg/server), so a provider, sidecar or ledger can be swapped without
// touching the core.
package contracts

import (
	"context"

	"github.com/datamind/control-plane/pkg/models"
)

// ── Tier Router ─────────────────────────────────────────────

// TierRouter selects the inference tier for a query.
// Default implementation: internal/router.TierRouter
type TierRouter interface {
	// Route never fails because of classifier problems; it falls back to
	// CloudStandard instead. An error means the query itself is unusable.
	Route(ctx context.Context, q models.Query) (models.RouteDecision, error)
}

// ── Generation ──────────────────────────────────────────────

// GenerateRequest is one call into the generation collaborator.
type GenerateRequest struct {
	Tier    models.InferenceTier
	Query   models.Query
	Context []models.Chunk

	// Model overrides the tier's configured model when set.
	Model string

	// System replaces the default system prompt when set.
	System string

	// Instructions are appended to the prompt, in order. The escalation
	// controller uses them for regeneration reasons and schema constraints.
	Instructions []string

	// Temperature overrides the driver default when non-nil.
	Temperature *float64

	Attempt int
}

// Generator produces a response for a tier.
// Default implementation: internal/generation.Adapter
//
// Errors are classified with generation.ErrGenerationTimeout or
// generation.ErrProvider.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*models.LLMResponse, error)
}

// ── Retrieval ───────────────────────────────────────────────

// Retriever supplies context chunks for a query.
// Implementations: internal/source.Retriever, internal/source.Static
type Retriever interface {
	Retrieve(ctx context.Context, q models.Query) ([]models.Chunk, error)
}

// ── Tracing ─────────────────────────────────────────────────

// Span is an opaque handle returned by Tracer.StartSpan.
type Span interface {
	Name() string
}

// SpanMetrics is attached to a span when it ends.
type SpanMetrics struct {
	Tier      string
	Attempt   int
	TokensIn  int64
	TokensOut int64
	LatencyMs int64
	Score     *float64
	Status    string
	Err       error
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id, so tracers can
// correlate spans with the finished Outcome.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Tracer is the tracing collaborator. Every pipeline run and every generation
// attempt produces exactly one span.
// Implementations: internal/telemetry.OTelTracer, internal/integrations/langfuse.Tracer
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	EndSpan(span Span, m SpanMetrics)
}

// ── Validation Collaborators ────────────────────────────────

// NLIScorer returns the probability that premise entails hypothesis (0..1).
// Default implementation: internal/integrations/ragas.Client
type NLIScorer interface {
	Entailment(ctx context.Context, premise, hypothesis string) (float64, error)
}

// CriticVerdict is the CoT audit answer.
type CriticVerdict struct {
	Entailed bool   `json:"entailed"`
	Reason   string `json:"reason"`
}

// Critic checks that a response's reasoning chain is logically entailed.
// Default implementation: internal/validation.ModelCritic
type Critic interface {
	Audit(ctx context.Context, q models.Query, response string, chunks []models.Chunk) (CriticVerdict, error)
}

// ScopeVerdict is the knowledge-boundary answer.
type ScopeVerdict struct {
	InScope bool    `json:"in_scope"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// ScopeClassifier decides whether a query is within the system's knowledge.
// Default implementation: internal/validation.RuleScopeClassifier
type ScopeClassifier interface {
	Classify(ctx context.Context, q models.Query, chunks []models.Chunk) (ScopeVerdict, error)
}

// NumericClaim is one number asserted by a response.
type NumericClaim struct {
	Sentence string
	Value    string
	// Label is the phrase the number quantifies, e.g. "revenue".
	Label    string
	ChunkIDs []string
}

// NumericVerifier re-derives a numeric claim by querying the source of truth
// independently of the model. It returns the comparable values found; an
// empty result means the claim could not be re-derived.
// Default implementation: internal/source.FactVerifier
type NumericVerifier interface {
	Rederive(ctx context.Context, claim NumericClaim) ([]string, error)
}

// ── Provenance ──────────────────────────────────────────────

// Anchorer writes a root hash to an external immutable store.
// Implementations: internal/provenance.PostgresAnchorer, SQLiteAnchorer, MemoryAnchorer
type Anchorer interface {
	Backend() string
	Anchor(ctx context.Context, rootHash string) (models.AnchorRef, error)
}
