// Package validation scores and gates a generated response against its
// retrieved context.
//
// The pipeline is a closed set of eight layers. Gating layers (L2, L4, L5,
// L6, L8) run strictly in that order and stop at the first Fail or
// Terminate. Annotating layers (L1, L7) run concurrently alongside L2, and
// L3 self-consistency sampling starts once L2 has passed for high-stakes
// queries. Results always come back in canonical L1..L8 order.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// ErrNoResponse is returned when Validate is called without a response.
var ErrNoResponse = errors.New("validation: no response to validate")

// DefaultInsufficientDataMessage is returned to the caller when L6 terminates.
const DefaultInsufficientDataMessage = "Insufficient data: the available sources do not cover this question."

// ScopeUnavailableMessage is returned when L6 terminates because the scope
// classifier could not be reached.
const ScopeUnavailableMessage = "The question could not be checked against the available sources. Please retry later."

func classifierFailed(r models.ValidationResult) bool {
	failed, _ := r.Details["classifier_error"].(bool)
	return failed
}

// Config holds the pipeline thresholds.
type Config struct {
	// FaithfulnessThreshold is the minimum mean entailment for L2.
	FaithfulnessThreshold float64
	// StalenessThreshold is the chunk age at which L7 warns.
	StalenessThreshold time.Duration
	// SelfConsistencySamples is N for L3.
	SelfConsistencySamples int
	SampleTemperature      float64
	// SampleTimeout bounds L3 sampling; zero means the request deadline only.
	SampleTimeout time.Duration
	// NumericTolerance is the relative tolerance for L8.
	NumericTolerance        decimal.Decimal
	InsufficientDataMessage string
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FaithfulnessThreshold:   0.70,
		StalenessThreshold:      90 * 24 * time.Hour,
		SelfConsistencySamples:  5,
		SampleTemperature:       0.9,
		SampleTimeout:           30 * time.Second,
		NumericTolerance:        DefaultNumericTolerance,
		InsufficientDataMessage: DefaultInsufficientDataMessage,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FaithfulnessThreshold <= 0 {
		c.FaithfulnessThreshold = d.FaithfulnessThreshold
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.SelfConsistencySamples <= 0 {
		c.SelfConsistencySamples = d.SelfConsistencySamples
	}
	if c.SampleTemperature <= 0 {
		c.SampleTemperature = d.SampleTemperature
	}
	if c.NumericTolerance.IsZero() {
		c.NumericTolerance = d.NumericTolerance
	}
	if c.InsufficientDataMessage == "" {
		c.InsufficientDataMessage = d.InsufficientDataMessage
	}
}

// Collaborators are the external checkers the layers call. Nil NLI and
// Scope fall back to LexicalNLI and RuleScopeClassifier.
type Collaborators struct {
	NLI     contracts.NLIScorer
	Critic  contracts.Critic
	Scope   contracts.ScopeClassifier
	Numeric contracts.NumericVerifier
	// Sampler generates the L3 samples.
	Sampler contracts.Generator
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock used by L7.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline runs the validation layers. It is safe for concurrent use; all
// per-run state lives on the stack of Validate.
type Pipeline struct {
	cfg     Config
	nli     contracts.NLIScorer
	critic  contracts.Critic
	scope   contracts.ScopeClassifier
	numeric contracts.NumericVerifier
	sampler contracts.Generator
	now     func() time.Time
}

// New creates a validation pipeline.
func New(cfg Config, c Collaborators, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:     cfg,
		nli:     c.NLI,
		critic:  c.Critic,
		scope:   c.Scope,
		numeric: c.Numeric,
		sampler: c.Sampler,
		now:     time.Now,
	}
	if p.nli == nil {
		p.nli = LexicalNLI{}
	}
	if p.scope == nil {
		p.scope = RuleScopeClassifier{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Input is everything one pipeline run looks at.
type Input struct {
	Query    models.Query
	Response *models.LLMResponse
	// Chunks is the retrieved context. Response.UsedChunks is what the
	// generator actually saw.
	Chunks      []models.Chunk
	Sensitivity models.Sensitivity
}

func (in Input) used() []models.Chunk {
	if in.Response != nil && len(in.Response.UsedChunks) > 0 {
		return in.Response.UsedChunks
	}
	return in.Chunks
}

// Report is the outcome of one pipeline run.
type Report struct {
	Results     []models.ValidationResult  `json:"results"`
	Disposition models.Disposition         `json:"disposition"`
	Confidence  *models.ConfidenceInterval `json:"confidence,omitempty"`
	Warnings    []string                   `json:"warnings,omitempty"`
}

// Result returns the result of layer, if it ran.
func (r *Report) Result(layer models.ValidationLayer) (models.ValidationResult, bool) {
	for _, res := range r.Results {
		if res.Layer == layer {
			return res, true
		}
	}
	return models.ValidationResult{}, false
}

// gatingOrder is the fixed sequence of gating layers.
var gatingOrder = []models.ValidationLayer{
	models.LayerNLIFaithfulness,
	models.LayerCoTAudit,
	models.LayerStructuredOutput,
	models.LayerKnowledgeBoundary,
	models.LayerNumericalVerification,
}

var layerClasses = map[models.ValidationLayer]models.LayerClass{
	models.LayerRetrievalGrounding:    models.ClassAnnotating,
	models.LayerNLIFaithfulness:       models.ClassGating,
	models.LayerSelfConsistency:       models.ClassAnnotating,
	models.LayerCoTAudit:              models.ClassGating,
	models.LayerStructuredOutput:      models.ClassGating,
	models.LayerKnowledgeBoundary:     models.ClassGating,
	models.LayerTemporalGrounding:     models.ClassAnnotating,
	models.LayerNumericalVerification: models.ClassGating,
}

func newResult(layer models.ValidationLayer) models.ValidationResult {
	return models.ValidationResult{
		Layer: layer,
		Name:  layer.Name(),
		Class: layerClasses[layer],
	}
}

// Validate runs the pipeline over one response. It only returns an error
// when the input is unusable or ctx ends before a disposition is reached.
func (p *Pipeline) Validate(ctx context.Context, in Input) (*Report, error) {
	if in.Response == nil {
		return nil, ErrNoResponse
	}
	start := time.Now()

	var (
		mu      sync.Mutex
		results = make(map[models.ValidationLayer]models.ValidationResult, 8)
	)
	record := func(r models.ValidationResult) {
		mu.Lock()
		results[r.Layer] = r
		mu.Unlock()
	}

	var annotating errgroup.Group
	for _, layer := range []models.ValidationLayer{models.LayerRetrievalGrounding, models.LayerTemporalGrounding} {
		annotating.Go(func() error {
			record(p.evaluate(ctx, layer, in))
			return nil
		})
	}

	var (
		sampling   errgroup.Group
		sampled    bool
		l3Result   models.ValidationResult
		confidence *models.ConfidenceInterval
	)
	samplingCtx, cancelSampling := context.WithCancel(ctx)
	defer cancelSampling()

	disposition := models.Disposition{Kind: models.DispositionAccept}
	for _, layer := range gatingOrder {
		if err := ctx.Err(); err != nil {
			cancelSampling()
			_ = annotating.Wait()
			_ = sampling.Wait()
			return nil, fmt.Errorf("validation interrupted before %s: %w", layer, err)
		}
		r := p.evaluate(ctx, layer, in)
		record(r)

		if layer == models.LayerNLIFaithfulness && r.Status == models.StatusPass && in.Sensitivity.HighStakes() && p.sampler != nil {
			sampled = true
			sampling.Go(func() error {
				l3Result, confidence = p.selfConsistency(samplingCtx, in)
				return nil
			})
		}

		if r.Status == models.StatusFail {
			disposition = regenerate(r)
			break
		}
		if r.Status == models.StatusTerminate {
			disposition = models.Disposition{
				Kind:    models.DispositionTerminate,
				Layer:   r.Layer,
				Reason:  r.Reason,
				Message: p.cfg.InsufficientDataMessage,
			}
			if classifierFailed(r) {
				disposition.Message = ScopeUnavailableMessage
			}
			cancelSampling()
			break
		}
	}

	_ = annotating.Wait()
	_ = sampling.Wait()

	if disposition.Kind == models.DispositionTerminate {
		// Nothing after L6 is reported for a terminated response.
		for layer := range results {
			if layer > disposition.Layer {
				delete(results, layer)
			}
		}
		sampled, confidence = false, nil
	}
	if sampled {
		results[models.LayerSelfConsistency] = l3Result
	}

	report := &Report{Disposition: disposition, Confidence: confidence}
	layers := make([]models.ValidationLayer, 0, len(results))
	for layer := range results {
		layers = append(layers, layer)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i] < layers[j] })
	for _, layer := range layers {
		r := results[layer]
		report.Results = append(report.Results, r)
		recordLayer(r)
		if r.Status == models.StatusWarn {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s %s: %s", r.Layer, r.Name, r.Reason))
		}
	}
	recordDisposition(disposition, time.Since(start).Seconds())

	log.Debug().
		Str("response_id", in.Response.ID).
		Str("tier", in.Response.Tier.String()).
		Str("disposition", string(disposition.Kind)).
		Str("layer", layerLabel(disposition.Layer)).
		Int("results", len(report.Results)).
		Msg("Validation pipeline finished")

	return report, nil
}

// evaluate dispatches one layer.
func (p *Pipeline) evaluate(ctx context.Context, layer models.ValidationLayer, in Input) models.ValidationResult {
	switch layer {
	case models.LayerRetrievalGrounding:
		return p.retrievalGrounding(in)
	case models.LayerNLIFaithfulness:
		return p.faithfulness(ctx, in)
	case models.LayerSelfConsistency:
		r, _ := p.selfConsistency(ctx, in)
		return r
	case models.LayerCoTAudit:
		return p.cotAudit(ctx, in)
	case models.LayerStructuredOutput:
		return p.structuredOutput(in)
	case models.LayerKnowledgeBoundary:
		return p.knowledgeBoundary(ctx, in)
	case models.LayerTemporalGrounding:
		return p.temporalGrounding(in)
	case models.LayerNumericalVerification:
		return p.numericalVerification(ctx, in)
	}
	r := newResult(layer)
	r.Status = models.StatusWarn
	r.Reason = fmt.Sprintf("unknown layer %d", int(layer))
	return r
}

// regenerate turns a gating failure into a regenerate disposition with the
// instruction the next prompt should carry.
func regenerate(r models.ValidationResult) models.Disposition {
	d := models.Disposition{Kind: models.DispositionRegenerate, Layer: r.Layer, Reason: r.Reason}
	if instr, ok := r.Details["instruction"].(string); ok && instr != "" {
		d.Instruction = instr
	} else {
		d.Instruction = "Your previous answer was rejected: " + r.Reason
	}
	return d
}

func layerLabel(l models.ValidationLayer) string {
	if l == 0 {
		return ""
	}
	return l.String()
}
