package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

const intentSystemPrompt = `You are a query intent classifier for a data analytics platform.
Classify the user query into exactly ONE of these intent categories:

EDA       - exploratory data analysis, statistics, profiling, distributions
SQL       - requesting specific SQL queries or database lookups
FORECAST  - time-series prediction, trends, future values
ANOMALY   - outlier detection, unusual patterns, alerts
REPORT    - generate a report, summary, document, presentation
VISUALISE - create a chart, graph, plot, visualisation
CLEAN     - data cleaning, fixing errors, deduplication, imputation
MODEL     - machine learning, training a model, AutoML, feature engineering
EXPLAIN   - explain a concept, method, result, or code
SEARCH    - search knowledge base, find documents, semantic search
CODE      - write, review, debug, or explain code
GENERAL   - general question, greeting, or unclear intent

Respond ONLY with valid JSON:
{"intent": "<LABEL>", "confidence": <0.0-1.0>, "reasoning": "<1 sentence>"}`

const complexitySystemPrompt = `You are a query complexity estimator for a data analytics AI platform.
Score the complexity of the user query from 0.0 to 1.0:
- 0.0-0.35 SIMPLE: single table lookup, basic aggregation, factual question
- 0.35-0.65 MEDIUM: multi-step analysis, comparisons, joins across 2-3 tables
- 0.65-0.85 COMPLEX: causal analysis, multi-hop reasoning, statistical tests
- 0.85-1.0 EXPERT: causal inference, forecasting with confounders, hypothesis testing

Respond ONLY with valid JSON:
{"score": <0.0-1.0>, "level": "<simple|medium|complex|expert>", "factors": ["factor1"]}`

const (
	maxClassifierInput = 2000
	modelConfidence    = 0.82
)

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

var validIntents = map[models.IntentLabel]bool{
	models.IntentEDA: true, models.IntentSQL: true, models.IntentForecast: true,
	models.IntentAnomaly: true, models.IntentReport: true, models.IntentVisualise: true,
	models.IntentClean: true, models.IntentModel: true, models.IntentExplain: true,
	models.IntentSearch: true, models.IntentCode: true, models.IntentGeneral: true,
}

// ModelClassifier asks a small local model for intent and complexity. When
// Fallback rules are set, any model failure is logged and answered by the
// rules instead; otherwise the error is returned to the caller.
type ModelClassifier struct {
	gen   contracts.Generator
	tier  models.InferenceTier
	model string

	FallbackIntent     IntentClassifier
	FallbackComplexity ComplexityScorer
}

// NewModelClassifier creates a model-backed classifier on the given tier.
// model may be empty to use the tier's configured model.
func NewModelClassifier(gen contracts.Generator, tier models.InferenceTier, model string) *ModelClassifier {
	return &ModelClassifier{gen: gen, tier: tier, model: model}
}

// WithRuleFallback sets the rule-based classifiers as fallbacks.
func (c *ModelClassifier) WithRuleFallback() *ModelClassifier {
	c.FallbackIntent = RuleIntentClassifier{}
	c.FallbackComplexity = HeuristicComplexityScorer{}
	return c
}

func (c *ModelClassifier) ClassifyIntent(ctx context.Context, text string) (IntentResult, error) {
	res, err := c.classifyIntent(ctx, text)
	if err == nil {
		return res, nil
	}
	if c.FallbackIntent == nil {
		return IntentResult{}, err
	}
	log.Warn().Err(err).Str("fallback", "rules").Msg("Intent model failed")
	return c.FallbackIntent.ClassifyIntent(ctx, text)
}

func (c *ModelClassifier) classifyIntent(ctx context.Context, text string) (IntentResult, error) {
	var out struct {
		Intent     string   `json:"intent"`
		Confidence *float64 `json:"confidence"`
	}
	if err := c.ask(ctx, intentSystemPrompt, text, &out); err != nil {
		return IntentResult{}, fmt.Errorf("intent: %w", err)
	}
	label := models.IntentLabel(strings.ToUpper(strings.TrimSpace(out.Intent)))
	if !validIntents[label] {
		return IntentResult{}, fmt.Errorf("intent: unknown label %q", out.Intent)
	}
	conf := 0.75
	if out.Confidence != nil {
		conf = clamp01(*out.Confidence)
	}
	return IntentResult{Label: label, Confidence: conf, Source: "model"}, nil
}

func (c *ModelClassifier) ScoreComplexity(ctx context.Context, text string) (ComplexityResult, error) {
	res, err := c.scoreComplexity(ctx, text)
	if err == nil {
		return res, nil
	}
	if c.FallbackComplexity == nil {
		return ComplexityResult{}, err
	}
	log.Warn().Err(err).Str("fallback", "heuristic").Msg("Complexity model failed")
	return c.FallbackComplexity.ScoreComplexity(ctx, text)
}

func (c *ModelClassifier) scoreComplexity(ctx context.Context, text string) (ComplexityResult, error) {
	var out struct {
		Score   *float64 `json:"score"`
		Level   string   `json:"level"`
		Factors []string `json:"factors"`
	}
	if err := c.ask(ctx, complexitySystemPrompt, text, &out); err != nil {
		return ComplexityResult{}, fmt.Errorf("complexity: %w", err)
	}
	score := 0.5
	if out.Score != nil {
		score = clamp01(*out.Score)
	}
	level := models.ComplexityLevel(strings.ToLower(strings.TrimSpace(out.Level)))
	switch level {
	case models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex, models.ComplexityExpert:
	default:
		level = LevelForScore(score)
	}
	return ComplexityResult{
		Score:      score,
		Level:      level,
		Factors:    out.Factors,
		Confidence: modelConfidence,
		Source:     "model",
	}, nil
}

func (c *ModelClassifier) ask(ctx context.Context, system, text string, out interface{}) error {
	if len(text) > maxClassifierInput {
		text = text[:maxClassifierInput]
	}
	zero := 0.0
	resp, err := c.gen.Generate(ctx, contracts.GenerateRequest{
		Tier:        c.tier,
		Model:       c.model,
		System:      system,
		Query:       models.Query{Text: "Query: " + text},
		Temperature: &zero,
	})
	if err != nil {
		return err
	}
	raw := jsonObject.FindString(resp.Text)
	if raw == "" {
		return fmt.Errorf("no JSON in model output: %.200s", resp.Text)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
