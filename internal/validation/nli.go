package validation

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/contracts"
)

// LexicalNLI approximates entailment by content-word and number overlap.
// It is the offline fallback when no NLI model is reachable.
type LexicalNLI struct{}

func (LexicalNLI) Entailment(_ context.Context, premise, hypothesis string) (float64, error) {
	hyp := contentWords(hypothesis)
	if len(hyp) == 0 {
		return 1, nil
	}
	prem := contentWords(premise)
	hit := 0
	for w := range hyp {
		if prem[w] {
			hit++
		}
	}
	score := float64(hit) / float64(len(hyp))

	// An unsupported number is a contradiction, not a paraphrase.
	premNums := make(map[string]bool)
	for _, n := range extractNumbers(premise) {
		premNums[n.Value] = true
	}
	for _, n := range extractNumbers(hypothesis) {
		if !premNums[n.Value] {
			score *= 0.5
		}
	}
	return score, nil
}

// FallbackNLI asks Primary and falls back to Secondary on error.
type FallbackNLI struct {
	Primary   contracts.NLIScorer
	Secondary contracts.NLIScorer
}

func (f FallbackNLI) Entailment(ctx context.Context, premise, hypothesis string) (float64, error) {
	score, err := f.Primary.Entailment(ctx, premise, hypothesis)
	if err == nil {
		return score, nil
	}
	if f.Secondary == nil || ctx.Err() != nil {
		return 0, err
	}
	log.Debug().Err(err).Msg("NLI scorer failed, using fallback")
	return f.Secondary.Entailment(ctx, premise, hypothesis)
}
