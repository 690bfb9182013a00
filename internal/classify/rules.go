package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/datamind/control-plane/pkg/models"
)

// ── Intent Rules ────────────────────────────────────────────

type intentRule struct {
	keywords []string
	label    models.IntentLabel
}

// First matching rule wins.
var intentRules = []intentRule{
	{[]string{"forecast", "predict", "future", "trend", "arima", "prophet"}, models.IntentForecast},
	{[]string{"anomaly", "outlier", "unusual", "spike", "alert", "drift"}, models.IntentAnomaly},
	{[]string{"report", "summary", "document", "presentation", "pptx"}, models.IntentReport},
	{[]string{"chart", "plot", "graph", "visualis", "dashboard", "bar chart", "pie"}, models.IntentVisualise},
	{[]string{"clean", "deduplic", "missing", "null", "impute", "fix"}, models.IntentClean},
	{[]string{"train", "model", "automl", "feature", "sklearn", "xgboost"}, models.IntentModel},
	{[]string{"explain", "what is", "how does", "why"}, models.IntentExplain},
	{[]string{"search", "find documents", "knowledge base", "rag"}, models.IntentSearch},
	{[]string{"sql", "query", "select", "join", "where", "group by"}, models.IntentSQL},
	{[]string{"eda", "profile", "distribution", "statistics", "describe"}, models.IntentEDA},
	{[]string{"code", "python", "function", "script", "debug"}, models.IntentCode},
}

const (
	ruleMatchConfidence   = 0.70
	ruleGeneralConfidence = 0.60
)

// RuleIntentClassifier is the keyword-based intent classifier.
type RuleIntentClassifier struct{}

func (RuleIntentClassifier) ClassifyIntent(_ context.Context, text string) (IntentResult, error) {
	q := strings.ToLower(text)
	for _, rule := range intentRules {
		if containsAny(q, rule.keywords) {
			return IntentResult{Label: rule.label, Confidence: ruleMatchConfidence, Source: "rules"}, nil
		}
	}
	return IntentResult{Label: models.IntentGeneral, Confidence: ruleGeneralConfidence, Source: "rules"}, nil
}

// ── Complexity Heuristic ────────────────────────────────────

var complexWords = []string{
	"why", "cause", "because", "explain why", "reason",
	"compare", "correlation", "regression", "statistical",
	"forecast", "predict", "causal", "hypothesis",
	"multi", "across", "segment", "cohort", "attribution",
	"counterfactual", "confound", "a/b test", "significance",
}

var mediumWords = []string{
	"trend", "breakdown", "by region", "by segment", "over time",
	"growth", "change", "vs", "versus", "top", "bottom", "rank",
	"percentage", "ratio", "average", "group by",
}

const (
	complexityBaseline  = 0.2
	complexWordWeight   = 0.08
	mediumWordWeight    = 0.04
	heuristicConfidence = 0.65
)

// HeuristicComplexityScorer scores complexity from keyword and length signals.
type HeuristicComplexityScorer struct{}

func (HeuristicComplexityScorer) ScoreComplexity(_ context.Context, text string) (ComplexityResult, error) {
	q := strings.ToLower(text)
	score := complexityBaseline
	var factors []string

	for _, w := range complexWords {
		if strings.Contains(q, w) {
			score += complexWordWeight
			factors = append(factors, w)
		}
	}
	for _, w := range mediumWords {
		if strings.Contains(q, w) {
			score += mediumWordWeight
			factors = append(factors, w)
		}
	}

	words := len(strings.Fields(text))
	switch {
	case words > 50:
		score += 0.1
		factors = append(factors, "long query")
	case words > 25:
		score += 0.05
		factors = append(factors, "medium-length query")
	}

	score = clamp01(score)
	return ComplexityResult{
		Score:      score,
		Level:      LevelForScore(score),
		Factors:    factors,
		Confidence: heuristicConfidence,
		Source:     "heuristic",
	}, nil
}

// ── Sensitivity Rules ───────────────────────────────────────

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),                        // phone
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                                // SSN
	regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14})\b`),      // card
	regexp.MustCompile(`\b[A-Z]{2}\d{6}[A-Z]\b`),                               // UK passport
}

var restrictedKeywords = []string{
	"ssn", "social security", "passport", "credit card", "bank account",
	"national insurance", "ni number", "medical record", "diagnosis",
	"prescription", "patient", "salary", "payroll", "compensation",
	"personal email", "home address", "date of birth", "dob",
}

var confidentialKeywords = []string{
	"employee", "staff", "hr data", "performance review", "disciplinary",
	"financial report", "revenue", "profit", "margin", "ebitda",
	"customer pii", "user data", "personal data", "private", "confidential",
	"internal only", "trade secret", "ip address", "access log",
}

var internalKeywords = []string{
	"internal", "company data", "proprietary", "non-public",
	"customer list", "vendor", "contract",
}

// RuleSensitivityDetector classifies sensitivity from PII patterns, domain
// keywords and the caller's hints. Hints always win: a finance, medical or
// legal flag forces the restricted level.
type RuleSensitivityDetector struct{}

func (RuleSensitivityDetector) DetectSensitivity(_ context.Context, text string, hints models.SensitivityHints) (models.Sensitivity, error) {
	if hints.Any() {
		return models.Sensitivity{
			Level:      models.SensitivityRestricted,
			Domains:    hints.Domains(),
			Confidence: 1.0,
		}, nil
	}

	for _, p := range piiPatterns {
		if p.MatchString(text) {
			return models.Sensitivity{Level: models.SensitivityRestricted, Domains: []string{"pii"}, Confidence: 0.98}, nil
		}
	}

	q := strings.ToLower(text)
	switch {
	case containsAny(q, restrictedKeywords):
		return models.Sensitivity{Level: models.SensitivityRestricted, Confidence: 0.90}, nil
	case containsAny(q, confidentialKeywords):
		return models.Sensitivity{Level: models.SensitivityConfidential, Confidence: 0.82}, nil
	case containsAny(q, internalKeywords):
		return models.Sensitivity{Level: models.SensitivityInternal, Confidence: 0.75}, nil
	}
	return models.Sensitivity{Level: models.SensitivityPublic, Confidence: 0.88}, nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
