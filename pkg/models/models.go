// Package models defines the shared data types of the inference control plane:
// queries, tiers, generated responses, validation results, provenance records
// and the caller-visible outcome of a request.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ── Inference Tiers ─────────────────────────────────────────

// InferenceTier is an ordered inference backend class. The ordering defines
// the only valid escalation direction: Edge < LocalSmall < CloudStandard < Reasoning.
type InferenceTier int

const (
	TierEdge InferenceTier = iota
	TierLocalSmall
	TierCloudStandard
	TierReasoning
)

var tierNames = [...]string{
	TierEdge:          "edge",
	TierLocalSmall:    "local_small",
	TierCloudStandard: "cloud_standard",
	TierReasoning:     "reasoning",
}

// AllTiers returns every tier in ascending order.
func AllTiers() []InferenceTier {
	return []InferenceTier{TierEdge, TierLocalSmall, TierCloudStandard, TierReasoning}
}

func (t InferenceTier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Valid reports whether t is one of the declared tiers.
func (t InferenceTier) Valid() bool {
	return t >= TierEdge && t <= TierReasoning
}

// IsTop reports whether t is the most capable tier.
func (t InferenceTier) IsTop() bool { return t == TierReasoning }

// Next returns the tier directly above t. ok is false at the top tier.
func (t InferenceTier) Next() (next InferenceTier, ok bool) {
	if !t.Valid() || t.IsTop() {
		return t, false
	}
	return t + 1, true
}

// AtLeast returns the higher of t and floor.
func (t InferenceTier) AtLeast(floor InferenceTier) InferenceTier {
	if t < floor {
		return floor
	}
	return t
}

// ParseTier parses a tier name. The short aliases slm, cloud and rlm are
// accepted.
func ParseTier(s string) (InferenceTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "edge":
		return TierEdge, nil
	case "local_small", "local-small", "slm":
		return TierLocalSmall, nil
	case "cloud_standard", "cloud-standard", "cloud":
		return TierCloudStandard, nil
	case "reasoning", "reasoning_tier", "rlm":
		return TierReasoning, nil
	}
	return TierEdge, fmt.Errorf("unknown inference tier %q", s)
}

func (t InferenceTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid inference tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *InferenceTier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ── Classification Signals ──────────────────────────────────

// IntentLabel is the coarse task category of a query.
type IntentLabel string

const (
	IntentEDA       IntentLabel = "EDA"
	IntentSQL       IntentLabel = "SQL"
	IntentForecast  IntentLabel = "FORECAST"
	IntentAnomaly   IntentLabel = "ANOMALY"
	IntentReport    IntentLabel = "REPORT"
	IntentVisualise IntentLabel = "VISUALISE"
	IntentClean     IntentLabel = "CLEAN"
	IntentModel     IntentLabel = "MODEL"
	IntentExplain   IntentLabel = "EXPLAIN"
	IntentSearch    IntentLabel = "SEARCH"
	IntentCode      IntentLabel = "CODE"
	IntentGeneral   IntentLabel = "GENERAL"
)

// ComplexityLevel buckets the continuous complexity score.
type ComplexityLevel string

const (
	ComplexitySimple  ComplexityLevel = "simple"
	ComplexityMedium  ComplexityLevel = "medium"
	ComplexityComplex ComplexityLevel = "complex"
	ComplexityExpert  ComplexityLevel = "expert"
)

// SensitivityLevel classifies how sensitive the data touched by a query is.
type SensitivityLevel string

const (
	SensitivityPublic       SensitivityLevel = "public"
	SensitivityInternal     SensitivityLevel = "internal"
	SensitivityConfidential SensitivityLevel = "confidential"
	SensitivityRestricted   SensitivityLevel = "restricted"
)

// HighStakes reports whether the level requires the CloudStandard safety floor
// and self-consistency sampling.
func (l SensitivityLevel) HighStakes() bool {
	return l == SensitivityConfidential || l == SensitivityRestricted
}

// SensitivityHints are caller-provided domain flags.
type SensitivityHints struct {
	Finance bool `json:"finance,omitempty"`
	Medical bool `json:"medical,omitempty"`
	Legal   bool `json:"legal,omitempty"`
}

// Any reports whether at least one domain flag is set.
func (h SensitivityHints) Any() bool { return h.Finance || h.Medical || h.Legal }

// Domains lists the set flags by name.
func (h SensitivityHints) Domains() []string {
	var out []string
	if h.Finance {
		out = append(out, "finance")
	}
	if h.Medical {
		out = append(out, "medical")
	}
	if h.Legal {
		out = append(out, "legal")
	}
	return out
}

// Sensitivity is the resolved sensitivity signal for a query.
type Sensitivity struct {
	Level      SensitivityLevel `json:"level"`
	Domains    []string         `json:"domains,omitempty"`
	Confidence float64          `json:"confidence"`
}

// HighStakes reports whether the query is finance/medical/legal grade.
func (s Sensitivity) HighStakes() bool { return s.Level.HighStakes() }

// ── Query & Context ─────────────────────────────────────────

// Query is an immutable caller request. It is passed by value.
type Query struct {
	ID           string                 `json:"id"`
	Text         string                 `json:"text" validate:"required,max=32000"`
	TenantID     string                 `json:"tenant_id" validate:"required"`
	Hints        SensitivityHints       `json:"hints"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	ForceTier    *InferenceTier         `json:"force_tier,omitempty"`
	SubmittedAt  time.Time              `json:"submitted_at"`
}

// Chunk is a retrieved context fragment. Read-only to the control plane.
type Chunk struct {
	ID         string    `json:"id" validate:"required"`
	Content    string    `json:"content"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Age returns how long ago the chunk was ingested.
func (c Chunk) Age(now time.Time) time.Duration {
	if c.IngestedAt.IsZero() {
		return 0
	}
	return now.Sub(c.IngestedAt)
}

// ChunkIDs returns the sorted identifiers of chunks.
func ChunkIDs(chunks []Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

// ── Routing ─────────────────────────────────────────────────

// RouteDecision is the Tier Router's answer for one query.
type RouteDecision struct {
	Tier             InferenceTier   `json:"tier"`
	Model            string          `json:"model"`
	Intent           IntentLabel     `json:"intent"`
	IntentConfidence float64         `json:"intent_confidence"`
	ComplexityScore  float64         `json:"complexity_score"`
	Complexity       ComplexityLevel `json:"complexity"`
	Sensitivity      Sensitivity     `json:"sensitivity"`
	LatencyBudget    time.Duration   `json:"latency_budget_ns"`
	Rationale        string          `json:"rationale"`
	Cached           bool            `json:"cached"`
	Fallback         bool            `json:"fallback,omitempty"`
}

// ── Generation ──────────────────────────────────────────────

// TokenUsage tracks token consumption for one generation.
type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// LLMResponse is one generation attempt. Never mutated, only superseded.
type LLMResponse struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	Tier          InferenceTier `json:"tier"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	PromptVersion string        `json:"prompt_version"`
	Usage         TokenUsage    `json:"usage"`
	UsedChunks    []Chunk       `json:"used_chunks"`
	Attempt       int           `json:"attempt"`
	LatencyMs     int64         `json:"latency_ms"`
	CreatedAt     time.Time     `json:"created_at"`
}

// TierUsage aggregates provider consumption for one tier.
type TierUsage struct {
	Tier            InferenceTier `json:"tier"`
	Requests        int64         `json:"requests"`
	InputTokens     int64         `json:"input_tokens"`
	OutputTokens    int64         `json:"output_tokens"`
	CostUSD         float64       `json:"cost_usd"`
	BudgetTokens    int64         `json:"budget_tokens,omitempty"`
	RemainingTokens int64         `json:"remaining_tokens,omitempty"`
}

// ── Validation ──────────────────────────────────────────────

// ValidationLayer identifies one of the eight pipeline layers. The numeric
// value is the fixed logical order.
type ValidationLayer int

const (
	LayerRetrievalGrounding ValidationLayer = iota + 1
	LayerNLIFaithfulness
	LayerSelfConsistency
	LayerCoTAudit
	LayerStructuredOutput
	LayerKnowledgeBoundary
	LayerTemporalGrounding
	LayerNumericalVerification
)

var layerNames = map[ValidationLayer]string{
	LayerRetrievalGrounding:    "retrieval_grounding",
	LayerNLIFaithfulness:       "nli_faithfulness",
	LayerSelfConsistency:       "self_consistency",
	LayerCoTAudit:              "cot_audit",
	LayerStructuredOutput:      "structured_output",
	LayerKnowledgeBoundary:     "knowledge_boundary",
	LayerTemporalGrounding:     "temporal_grounding",
	LayerNumericalVerification: "numerical_verification",
}

// Name returns the descriptive layer name.
func (l ValidationLayer) Name() string {
	if n, ok := layerNames[l]; ok {
		return n
	}
	return "unknown"
}

func (l ValidationLayer) String() string { return fmt.Sprintf("L%d", int(l)) }

func (l ValidationLayer) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *ValidationLayer) UnmarshalText(b []byte) error {
	var n int
	if _, err := fmt.Sscanf(string(b), "L%d", &n); err != nil {
		return fmt.Errorf("invalid validation layer %q", string(b))
	}
	if _, ok := layerNames[ValidationLayer(n)]; !ok {
		return fmt.Errorf("invalid validation layer %q", string(b))
	}
	*l = ValidationLayer(n)
	return nil
}

// LayerClass says whether a layer may halt the request.
type LayerClass string

const (
	ClassGating     LayerClass = "gating"
	ClassAnnotating LayerClass = "annotating"
)

// ValidationStatus is a per-layer verdict.
type ValidationStatus string

const (
	StatusPass      ValidationStatus = "pass"
	StatusWarn      ValidationStatus = "warn"
	StatusFail      ValidationStatus = "fail"
	StatusTerminate ValidationStatus = "terminate"
)

// ValidationResult is the immutable outcome of one layer.
type ValidationResult struct {
	Layer   ValidationLayer        `json:"layer"`
	Name    string                 `json:"name"`
	Class   LayerClass             `json:"class"`
	Status  ValidationStatus       `json:"status"`
	Score   *float64               `json:"score,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DispositionKind is the pipeline's overall verdict.
type DispositionKind string

const (
	DispositionAccept     DispositionKind = "accept"
	DispositionRegenerate DispositionKind = "regenerate"
	DispositionTerminate  DispositionKind = "terminate"
)

// Disposition tells the escalation controller what to do with a response.
type Disposition struct {
	Kind DispositionKind `json:"kind"`
	// Layer is the gating layer that produced a non-accept verdict.
	Layer ValidationLayer `json:"layer,omitempty"`
	// Reason is a machine-oriented explanation.
	Reason string `json:"reason,omitempty"`
	// Instruction is injected into the next prompt on regenerate.
	Instruction string `json:"instruction,omitempty"`
	// Message is the user-visible text on terminate.
	Message string `json:"message,omitempty"`
}

// ClaimVote is the self-consistency tally for one claim.
type ClaimVote struct {
	Claim    string `json:"claim"`
	Votes    int    `json:"votes"`
	Samples  int    `json:"samples"`
	Majority bool   `json:"majority"`
}

// ConfidenceInterval summarises self-consistency agreement.
type ConfidenceInterval struct {
	Point   float64     `json:"point"`
	Lower   float64     `json:"lower"`
	Upper   float64     `json:"upper"`
	Agree   int         `json:"agree"`
	Samples int         `json:"samples"`
	Claims  []ClaimVote `json:"claims,omitempty"`
}

// ── Provenance ──────────────────────────────────────────────

// GenerationMetadata is the lineage hashed alongside a response.
type GenerationMetadata struct {
	Model         string   `json:"model"`
	PromptVersion string   `json:"prompt_version"`
	ChunkIDs      []string `json:"chunk_ids"`
}

// AnchorRef references an external immutable store entry.
type AnchorRef struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	RootHash   string    `json:"root_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// ProvenanceRecord is created once, after validation success, and never mutated.
// Components is set for composite artifacts built from several outputs.
type ProvenanceRecord struct {
	ID             string             `json:"id"`
	ResponseText   string             `json:"response_text,omitempty"`
	ResponseHash   string             `json:"response_hash,omitempty"`
	Metadata       GenerationMetadata `json:"metadata"`
	Components     []ProvenanceRecord `json:"components,omitempty"`
	Leaves         []string           `json:"leaves"`
	MerkleRoot     string             `json:"merkle_root"`
	Anchor         *AnchorRef         `json:"anchor,omitempty"`
	AnchorDegraded bool               `json:"anchor_degraded,omitempty"`
	AnchorError    string             `json:"anchor_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ── Outcome ─────────────────────────────────────────────────

// OutcomeStatus is the final, caller-visible status of a request.
type OutcomeStatus string

const (
	OutcomeAccepted       OutcomeStatus = "accepted"
	OutcomeScopeViolation OutcomeStatus = "scope_violation"
	OutcomeTierExhausted  OutcomeStatus = "tier_exhausted"
	OutcomeTimeout        OutcomeStatus = "timeout"
)

// AttemptTrace is the audit entry for one generation attempt.
type AttemptTrace struct {
	Attempt     int                 `json:"attempt"`
	Tier        InferenceTier       `json:"tier"`
	Response    *LLMResponse        `json:"response,omitempty"`
	Error       string              `json:"error,omitempty"`
	Results     []ValidationResult  `json:"results,omitempty"`
	Disposition *Disposition        `json:"disposition,omitempty"`
	Confidence  *ConfidenceInterval `json:"confidence,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	DurationMs  int64               `json:"duration_ms"`
}

// Outcome is the result of one request through the control loop.
type Outcome struct {
	RequestID   string              `json:"request_id"`
	TenantID    string              `json:"tenant_id"`
	Status      OutcomeStatus       `json:"status"`
	Route       RouteDecision       `json:"route"`
	FinalTier   InferenceTier       `json:"final_tier"`
	Escalated   bool                `json:"escalated"`
	Response    *LLMResponse        `json:"response,omitempty"`
	Provenance  *ProvenanceRecord   `json:"provenance,omitempty"`
	Confidence  *ConfidenceInterval `json:"confidence,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
	Message     string              `json:"message,omitempty"`
	Trace       []AttemptTrace      `json:"trace"`
	DurationMs  int64               `json:"duration_ms"`
	CompletedAt time.Time           `json:"completed_at"`
}
