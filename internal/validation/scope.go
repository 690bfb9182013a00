package validation

import (
	"context"
	"regexp"
	"strings"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// ── Rule-based Scope Classifier ─────────────────────────────
// A query is in scope when it is not an instruction override, matches no
// blocked topic, matches an allowed topic (if any are configured) and its
// content words are sufficiently covered by the retrieved chunks.

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

var questionWords = map[string]bool{
	"what": true, "which": true, "who": true, "how": true, "many": true, "much": true,
	"show": true, "list": true, "give": true, "tell": true, "does": true, "did": true,
	"when": true, "where": true, "why": true, "please": true, "can": true, "you": true,
	"our": true, "their": true, "this": true, "that": true, "last": true,
}

// DefaultMinCoverage is the share of query content words that must appear in
// the retrieved context.
const DefaultMinCoverage = 0.25

// RuleScopeClassifier implements contracts.ScopeClassifier.
type RuleScopeClassifier struct {
	AllowedTopics []string
	BlockedTopics []string
	MinCoverage   float64
}

func (s RuleScopeClassifier) Classify(_ context.Context, q models.Query, chunks []models.Chunk) (contracts.ScopeVerdict, error) {
	for _, re := range injectionPatterns {
		if re.MatchString(q.Text) {
			return contracts.ScopeVerdict{InScope: false, Reason: "query attempts to override system instructions"}, nil
		}
	}

	lower := strings.ToLower(q.Text)
	for _, topic := range s.BlockedTopics {
		if strings.Contains(lower, strings.ToLower(topic)) {
			return contracts.ScopeVerdict{InScope: false, Reason: "blocked topic: " + topic}, nil
		}
	}
	if len(s.AllowedTopics) > 0 {
		found := false
		for _, topic := range s.AllowedTopics {
			if strings.Contains(lower, strings.ToLower(topic)) {
				found = true
				break
			}
		}
		if !found {
			return contracts.ScopeVerdict{InScope: false, Reason: "query does not match any allowed topic"}, nil
		}
	}

	if len(chunks) == 0 {
		return contracts.ScopeVerdict{InScope: false, Reason: "no retrieved context"}, nil
	}

	words := contentWords(q.Text)
	for w := range words {
		if questionWords[w] {
			delete(words, w)
		}
	}
	if len(words) == 0 {
		return contracts.ScopeVerdict{InScope: true, Score: 1, Reason: "no content words to cover"}, nil
	}

	var corpus strings.Builder
	for _, c := range chunks {
		corpus.WriteString(c.Content)
		corpus.WriteByte(' ')
	}
	known := contentWords(corpus.String())
	hit := 0
	for w := range words {
		if known[w] {
			hit++
		}
	}
	coverage := float64(hit) / float64(len(words))

	min := s.MinCoverage
	if min <= 0 {
		min = DefaultMinCoverage
	}
	if coverage < min {
		return contracts.ScopeVerdict{InScope: false, Score: coverage, Reason: "retrieved context does not cover the query"}, nil
	}
	return contracts.ScopeVerdict{InScope: true, Score: coverage}, nil
}
