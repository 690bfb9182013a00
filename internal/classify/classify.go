// Package classify computes the routing signals for a query: intent label,
// complexity score and data sensitivity.
//
// Each signal has a deterministic rule-based implementation and, for intent and
// complexity, a model-backed implementation that asks a small local model and
// falls back to the rules when the model is unavailable.
package classify

import (
	"context"

	"github.com/datamind/control-plane/pkg/models"
)

// IntentResult is the output of an IntentClassifier.
type IntentResult struct {
	Label      models.IntentLabel `json:"intent"`
	Confidence float64            `json:"confidence"`
	Source     string             `json:"source"`
}

// ComplexityResult is the output of a ComplexityScorer.
type ComplexityResult struct {
	Score      float64                `json:"score"`
	Level      models.ComplexityLevel `json:"level"`
	Factors    []string               `json:"factors,omitempty"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source"`
}

// IntentClassifier labels the task category of a query.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, text string) (IntentResult, error)
}

// ComplexityScorer estimates query complexity on a 0..1 scale.
type ComplexityScorer interface {
	ScoreComplexity(ctx context.Context, text string) (ComplexityResult, error)
}

// SensitivityDetector resolves the sensitivity level of a query, taking the
// caller's explicit hints into account.
type SensitivityDetector interface {
	DetectSensitivity(ctx context.Context, text string, hints models.SensitivityHints) (models.Sensitivity, error)
}

// Complexity level thresholds on the 0..1 score.
const (
	SimpleMax  = 0.35
	MediumMax  = 0.65
	ComplexMax = 0.85
)

// LevelForScore buckets a complexity score.
func LevelForScore(score float64) models.ComplexityLevel {
	switch {
	case score <= SimpleMax:
		return models.ComplexitySimple
	case score <= MediumMax:
		return models.ComplexityMedium
	case score <= ComplexMax:
		return models.ComplexityComplex
	default:
		return models.ComplexityExpert
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
