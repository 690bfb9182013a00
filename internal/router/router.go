// Package router implements the Tier Router.
//
// The router classifies a query (intent, complexity, sensitivity), applies the
// tier selection policy and returns a RouteDecision with the model and latency
// budget for the chosen tier. It never calls the model that will answer the
// query and never fails a request because a classifier is unavailable.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/datamind/control-plane/internal/classify"
	"github.com/datamind/control-plane/pkg/models"
)

// ErrEmptyQuery is returned for a query without text.
var ErrEmptyQuery = errors.New("router: query text is empty")

// ErrBelowSafetyFloor is returned when a high-sensitivity query would land
// below CloudStandard because no tier at or above it is bound.
var ErrBelowSafetyFloor = errors.New("router: no bound tier at or above cloud_standard for a high-sensitivity query")

// TierModels maps a tier to its default model and per-intent overrides.
type TierModels struct {
	Default  string
	ByIntent map[models.IntentLabel]string
}

// Config holds the routing policy parameters.
type Config struct {
	Models  map[models.InferenceTier]TierModels
	Budgets map[models.InferenceTier]time.Duration

	// ClassifierTimeout bounds the classification phase. On expiry the
	// router falls back to CloudStandard.
	ClassifierTimeout time.Duration

	// EdgeMinConfidence and EdgeMaxComplexity gate the Edge tier.
	EdgeMinConfidence float64
	EdgeMaxComplexity float64

	// Bound lists the tiers that have a provider binding. When set, a
	// decision for an unbound tier moves up to the next bound tier.
	Bound []models.InferenceTier
}

// DefaultConfig returns the stock routing policy.
func DefaultConfig() Config {
	return Config{
		Models: map[models.InferenceTier]TierModels{
			models.TierEdge:       {Default: "@cf/microsoft/phi-3.5-mini-instruct"},
			models.TierLocalSmall: {Default: "phi3.5"},
			models.TierCloudStandard: {
				Default: "claude-sonnet-4-5",
				ByIntent: map[models.IntentLabel]string{
					models.IntentSQL:   "codestral:22b",
					models.IntentCode:  "codestral:22b",
					models.IntentModel: "llama3.3:70b",
					models.IntentEDA:   "llama3.3:70b",
				},
			},
			models.TierReasoning: {Default: "deepseek-r1:32b"},
		},
		Budgets: map[models.InferenceTier]time.Duration{
			models.TierEdge:          100 * time.Millisecond,
			models.TierLocalSmall:    500 * time.Millisecond,
			models.TierCloudStandard: 5 * time.Second,
			models.TierReasoning:     60 * time.Second,
		},
		ClassifierTimeout: 2 * time.Second,
		EdgeMinConfidence: 0.85,
		EdgeMaxComplexity: classify.SimpleMax,
	}
}

// Signals are the classifier outputs the policy decides on.
type Signals struct {
	Intent      classify.IntentResult     `json:"intent"`
	Complexity  classify.ComplexityResult `json:"complexity"`
	Sensitivity models.Sensitivity        `json:"sensitivity"`
}

// Option configures a TierRouter.
type Option func(*TierRouter)

// WithCache enables the decision cache.
func WithCache(c DecisionCache) Option {
	return func(r *TierRouter) { r.cache = c }
}

// TierRouter selects an inference tier for each query.
type TierRouter struct {
	cfg         Config
	intent      classify.IntentClassifier
	complexity  classify.ComplexityScorer
	sensitivity classify.SensitivityDetector
	cache       DecisionCache
}

// New creates a tier router.
func New(cfg Config, intent classify.IntentClassifier, complexity classify.ComplexityScorer, sensitivity classify.SensitivityDetector, opts ...Option) *TierRouter {
	r := &TierRouter{
		cfg:         cfg,
		intent:      intent,
		complexity:  complexity,
		sensitivity: sensitivity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type reasonedDecision struct {
	models.RouteDecision
	reason string
}

// Route classifies the query and selects a tier.
func (r *TierRouter) Route(ctx context.Context, q models.Query) (models.RouteDecision, error) {
	if strings.TrimSpace(q.Text) == "" {
		return models.RouteDecision{}, ErrEmptyQuery
	}
	start := time.Now()

	if q.ForceTier != nil {
		if !q.ForceTier.Valid() {
			return models.RouteDecision{}, fmt.Errorf("router: invalid forced tier %d", int(*q.ForceTier))
		}
		d, err := r.forced(ctx, q)
		if err != nil {
			return models.RouteDecision{}, err
		}
		recordDecision(d, time.Since(start).Seconds())
		return d.RouteDecision, nil
	}

	key := CacheKey(q)
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, key); ok {
			recordCacheLookup(true)
			cached.Cached = true
			return cached, nil
		}
		recordCacheLookup(false)
	}

	sig, err := r.classify(ctx, q)
	if err != nil {
		log.Warn().Err(err).Str("query_id", q.ID).Msg("Classification unavailable, routing to fallback tier")
		d, ferr := r.fallback(q, err)
		if ferr != nil {
			return models.RouteDecision{}, ferr
		}
		recordDecision(d, time.Since(start).Seconds())
		return d.RouteDecision, nil
	}

	tier, rationale := SelectTier(sig, r.cfg)
	rd, err := r.decision(tier, sig, rationale)
	if err != nil {
		log.Error().Err(err).Str("query_id", q.ID).Str("sensitivity", string(sig.Sensitivity.Level)).Msg("Refusing to route below the safety floor")
		return models.RouteDecision{}, err
	}
	d := reasonedDecision{RouteDecision: rd, reason: "policy"}

	if r.cache != nil {
		r.cache.Set(ctx, key, d.RouteDecision)
	}
	recordDecision(d, time.Since(start).Seconds())

	log.Info().
		Str("query_id", q.ID).
		Str("tier", tier.String()).
		Str("model", d.Model).
		Str("intent", string(sig.Intent.Label)).
		Str("complexity", string(sig.Complexity.Level)).
		Str("sensitivity", string(sig.Sensitivity.Level)).
		Msg("Query routed")

	return d.RouteDecision, nil
}

// SelectTier applies the routing policy, in order:
// high sensitivity floors at CloudStandard (ReasoningTier when expert);
// confident intent with low complexity goes to Edge; then simple, medium and
// complex/expert map to LocalSmall, CloudStandard and ReasoningTier.
func SelectTier(sig Signals, cfg Config) (models.InferenceTier, string) {
	cx := sig.Complexity
	if sig.Sensitivity.HighStakes() {
		if cx.Level == models.ComplexityExpert {
			return models.TierReasoning, fmt.Sprintf("sensitivity=%s, complexity=expert: reasoning tier", sig.Sensitivity.Level)
		}
		return models.TierCloudStandard, fmt.Sprintf("sensitivity=%s: safety floor cloud_standard", sig.Sensitivity.Level)
	}

	if sig.Intent.Confidence >= cfg.EdgeMinConfidence && cx.Score <= cfg.EdgeMaxComplexity {
		return models.TierEdge, fmt.Sprintf("edge: intent confidence %.2f, complexity %.2f", sig.Intent.Confidence, cx.Score)
	}

	switch cx.Level {
	case models.ComplexitySimple:
		return models.TierLocalSmall, "local_small: simple query"
	case models.ComplexityMedium:
		return models.TierCloudStandard, "cloud_standard: medium complexity"
	default:
		return models.TierReasoning, fmt.Sprintf("reasoning: %s complexity (score=%.2f)", cx.Level, cx.Score)
	}
}

// Classify returns the classifier signals for q without selecting a tier or
// consulting the cache. Unlike Route it reports classifier failures.
func (r *TierRouter) Classify(ctx context.Context, q models.Query) (Signals, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Signals{}, ErrEmptyQuery
	}
	return r.classify(ctx, q)
}

// classify runs the three classifiers concurrently under the classifier timeout.
func (r *TierRouter) classify(ctx context.Context, q models.Query) (Signals, error) {
	if r.cfg.ClassifierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ClassifierTimeout)
		defer cancel()
	}

	var sig Signals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.intent.ClassifyIntent(gctx, q.Text)
		if err != nil {
			return fmt.Errorf("intent: %w", err)
		}
		sig.Intent = res
		return nil
	})
	g.Go(func() error {
		res, err := r.complexity.ScoreComplexity(gctx, q.Text)
		if err != nil {
			return fmt.Errorf("complexity: %w", err)
		}
		sig.Complexity = res
		return nil
	})
	g.Go(func() error {
		res, err := r.sensitivity.DetectSensitivity(gctx, q.Text, q.Hints)
		if err != nil {
			return fmt.Errorf("sensitivity: %w", err)
		}
		sig.Sensitivity = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return Signals{}, err
	}
	// A classifier that ignores its context may still return after the
	// deadline; treat that as unavailable too.
	if err := ctx.Err(); err != nil {
		return Signals{}, fmt.Errorf("classifier deadline: %w", err)
	}
	return sig, nil
}

func (r *TierRouter) fallback(q models.Query, cause error) (reasonedDecision, error) {
	sens := models.Sensitivity{Level: models.SensitivityInternal, Confidence: 0.5}
	if q.Hints.Any() {
		sens = models.Sensitivity{Level: models.SensitivityRestricted, Domains: q.Hints.Domains(), Confidence: 1.0}
	}
	sig := Signals{
		Intent:      classify.IntentResult{Label: models.IntentGeneral, Confidence: 0.5, Source: "fallback"},
		Complexity:  classify.ComplexityResult{Score: 0.5, Level: models.ComplexityMedium, Confidence: 0.5, Source: "fallback"},
		Sensitivity: sens,
	}
	msg := cause.Error()
	if len(msg) > 80 {
		msg = msg[:80]
	}
	d, err := r.decision(models.TierCloudStandard, sig, "fallback: classifier unavailable ("+msg+")")
	if err != nil {
		return reasonedDecision{}, err
	}
	d.Fallback = true
	return reasonedDecision{RouteDecision: d, reason: "fallback"}, nil
}

// forced honours an explicit tier override. The sensitivity floor still
// applies; detection here is rule-based and cannot fail.
func (r *TierRouter) forced(ctx context.Context, q models.Query) (reasonedDecision, error) {
	sens, err := r.sensitivity.DetectSensitivity(ctx, q.Text, q.Hints)
	if err != nil {
		sens, _ = classify.RuleSensitivityDetector{}.DetectSensitivity(ctx, q.Text, q.Hints)
	}
	tier := *q.ForceTier
	rationale := "forced tier: " + tier.String()
	if sens.HighStakes() && tier < models.TierCloudStandard {
		tier = models.TierCloudStandard
		rationale += fmt.Sprintf(", raised to cloud_standard (sensitivity=%s)", sens.Level)
	}
	sig := Signals{
		Intent:      classify.IntentResult{Label: models.IntentGeneral, Confidence: 1.0, Source: "forced"},
		Complexity:  classify.ComplexityResult{Score: 0.5, Level: models.ComplexityMedium, Confidence: 1.0, Source: "forced"},
		Sensitivity: sens,
	}
	d, err := r.decision(tier, sig, rationale)
	if err != nil {
		return reasonedDecision{}, err
	}
	return reasonedDecision{RouteDecision: d, reason: "forced"}, nil
}

// decision resolves tier to a bound tier and fills in model and budget. A
// high-sensitivity query never resolves below CloudStandard.
func (r *TierRouter) decision(tier models.InferenceTier, sig Signals, rationale string) (models.RouteDecision, error) {
	if bound := r.boundTier(tier); bound != tier {
		if sig.Sensitivity.HighStakes() && bound < models.TierCloudStandard {
			return models.RouteDecision{}, fmt.Errorf("%w (selected %s, best bound %s)", ErrBelowSafetyFloor, tier, bound)
		}
		rationale += fmt.Sprintf(", %s unbound: using %s", tier, bound)
		tier = bound
	}
	return models.RouteDecision{
		Tier:             tier,
		Model:            r.ModelFor(tier, sig.Intent.Label),
		Intent:           sig.Intent.Label,
		IntentConfidence: sig.Intent.Confidence,
		ComplexityScore:  sig.Complexity.Score,
		Complexity:       sig.Complexity.Level,
		Sensitivity:      sig.Sensitivity,
		LatencyBudget:    r.Budget(tier),
		Rationale:        rationale,
	}, nil
}

// boundTier returns the lowest bound tier at or above tier, or the highest
// bound tier when none is above it.
func (r *TierRouter) boundTier(tier models.InferenceTier) models.InferenceTier {
	if len(r.cfg.Bound) == 0 {
		return tier
	}
	best, highest := models.InferenceTier(-1), models.InferenceTier(-1)
	for _, b := range r.cfg.Bound {
		if b >= tier && (best < 0 || b < best) {
			best = b
		}
		if b > highest {
			highest = b
		}
	}
	if best >= 0 {
		return best
	}
	return highest
}

// ModelFor returns the model configured for a tier and intent.
func (r *TierRouter) ModelFor(tier models.InferenceTier, intent models.IntentLabel) string {
	tm := r.cfg.Models[tier]
	if m, ok := tm.ByIntent[intent]; ok {
		return m
	}
	return tm.Default
}

// Budget returns the latency budget of a tier.
func (r *TierRouter) Budget(tier models.InferenceTier) time.Duration {
	return r.cfg.Budgets[tier]
}
