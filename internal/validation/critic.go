package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

const criticSystemPrompt = `You are a strict reviewer auditing the reasoning of a data analyst.
You are given the context chunks, the question and the analyst's answer.
Check that every reasoning step follows logically from the context or the previous steps,
and that the conclusion follows from the steps. Ignore style.

Respond ONLY with valid JSON:
{"entailed": <true|false>, "reason": "<the first broken step, or empty>"}`

var criticJSON = regexp.MustCompile(`(?s)\{.*\}`)

// ModelCritic audits a reasoning chain with a generator on a fixed tier.
type ModelCritic struct {
	gen  contracts.Generator
	tier models.InferenceTier
}

// NewModelCritic creates a critic that runs on tier.
func NewModelCritic(gen contracts.Generator, tier models.InferenceTier) *ModelCritic {
	return &ModelCritic{gen: gen, tier: tier}
}

func (c *ModelCritic) Audit(ctx context.Context, q models.Query, response string, chunks []models.Chunk) (contracts.CriticVerdict, error) {
	zero := 0.0
	resp, err := c.gen.Generate(ctx, contracts.GenerateRequest{
		Tier:        c.tier,
		System:      criticSystemPrompt,
		Query:       models.Query{Text: q.Text + "\n\nAnalyst answer:\n" + response},
		Context:     chunks,
		Temperature: &zero,
	})
	if err != nil {
		return contracts.CriticVerdict{}, fmt.Errorf("critic: %w", err)
	}
	raw := criticJSON.FindString(resp.Text)
	if raw == "" {
		return contracts.CriticVerdict{}, fmt.Errorf("critic: no JSON in output: %.200s", resp.Text)
	}
	var v contracts.CriticVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return contracts.CriticVerdict{}, fmt.Errorf("critic: decode verdict: %w", err)
	}
	return v, nil
}
