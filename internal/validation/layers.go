package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

func scoreOf(v float64) *float64 { return &v }

// ── L1 Retrieval grounding ──────────────────────────────────

func (p *Pipeline) retrievalGrounding(in Input) models.ValidationResult {
	res := newResult(models.LayerRetrievalGrounding)
	claims := ExtractClaims(in.Response.Text)
	if len(claims) == 0 {
		res.Status = models.StatusPass
		res.Reason = "no factual claims"
		return res
	}

	used := chunkIndex(in.used())
	var uncited, unknown []string
	grounded := 0
	for _, c := range claims {
		if len(c.Citations) == 0 {
			uncited = append(uncited, c.Text)
			continue
		}
		ok := true
		for _, id := range c.Citations {
			if _, found := used[id]; !found {
				unknown = append(unknown, id)
				ok = false
			}
		}
		if ok {
			grounded++
		}
	}

	res.Score = scoreOf(float64(grounded) / float64(len(claims)))
	res.Details = map[string]interface{}{"claims": len(claims)}
	if len(uncited) > 0 {
		res.Details["uncited"] = uncited
	}
	if len(unknown) > 0 {
		res.Details["unknown_citations"] = unknown
	}
	switch {
	case len(unknown) > 0:
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("%d citation(s) reference chunks that were not retrieved", len(unknown))
	case len(uncited) > 0:
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("%d of %d claims carry no chunk citation", len(uncited), len(claims))
	default:
		res.Status = models.StatusPass
		res.Reason = "every claim cites a retrieved chunk"
	}
	return res
}

// ── L2 NLI faithfulness ─────────────────────────────────────

func (p *Pipeline) faithfulness(ctx context.Context, in Input) models.ValidationResult {
	res := newResult(models.LayerNLIFaithfulness)
	claims := ExtractClaims(in.Response.Text)
	if len(claims) == 0 {
		res.Status = models.StatusPass
		res.Score = scoreOf(1)
		res.Reason = "no factual claims"
		return res
	}

	used := in.used()
	index := chunkIndex(used)
	all := joinChunks(used)

	total := 0.0
	var weakest string
	weakestScore := math.Inf(1)
	for _, c := range claims {
		premise := citedPremise(c, index)
		if premise == "" {
			premise = all
		}
		s, err := p.nli.Entailment(ctx, premise, c.Text)
		if err != nil {
			res.Status = models.StatusFail
			res.Reason = fmt.Sprintf("nli scorer failed: %v", err)
			return res
		}
		total += s
		if s < weakestScore {
			weakestScore, weakest = s, c.Text
		}
	}

	score := total / float64(len(claims))
	res.Score = scoreOf(score)
	res.Details = map[string]interface{}{
		"claims":        len(claims),
		"threshold":     p.cfg.FaithfulnessThreshold,
		"weakest_claim": weakest,
		"weakest_score": weakestScore,
	}
	if score >= p.cfg.FaithfulnessThreshold {
		res.Status = models.StatusPass
		res.Reason = fmt.Sprintf("faithfulness %.2f", score)
		return res
	}
	res.Status = models.StatusFail
	res.Reason = fmt.Sprintf("faithfulness %.2f below %.2f", score, p.cfg.FaithfulnessThreshold)
	res.Details["instruction"] = fmt.Sprintf(
		"Your previous answer contained statements the context does not support (faithfulness %.2f). "+
			"Only state facts that appear in the cited chunks, and cite each one as [chunk:<id>]. "+
			"Least supported statement: %q", score, weakest)
	return res
}

func citedPremise(c Claim, index map[string]models.Chunk) string {
	var b strings.Builder
	for _, id := range c.Citations {
		if chunk, ok := index[id]; ok {
			b.WriteString(chunk.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ── L4 CoT audit ────────────────────────────────────────────

func (p *Pipeline) cotAudit(ctx context.Context, in Input) models.ValidationResult {
	res := newResult(models.LayerCoTAudit)
	if p.critic == nil {
		res.Status = models.StatusPass
		res.Reason = "no critic configured"
		return res
	}
	v, err := p.critic.Audit(ctx, in.Query, in.Response.Text, in.used())
	if err != nil {
		res.Status = models.StatusFail
		res.Reason = fmt.Sprintf("critic failed: %v", err)
		return res
	}
	if v.Entailed {
		res.Status = models.StatusPass
		res.Reason = "reasoning chain is entailed"
		return res
	}
	res.Status = models.StatusFail
	res.Reason = "reasoning chain is not entailed"
	if v.Reason != "" {
		res.Reason += ": " + v.Reason
	}
	res.Details = map[string]interface{}{
		"instruction": "Revise your reasoning so that every step follows from the context or the previous step. " +
			"The reviewer found this problem: " + firstNonEmpty(v.Reason, "a step does not follow"),
	}
	return res
}

// ── L5 Structured output ────────────────────────────────────

func (p *Pipeline) structuredOutput(in Input) models.ValidationResult {
	res := newResult(models.LayerStructuredOutput)
	if len(in.Query.OutputSchema) == 0 {
		res.Status = models.StatusPass
		res.Reason = "no output schema declared"
		return res
	}

	raw, err := json.Marshal(in.Query.OutputSchema)
	if err != nil {
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("output schema is not serialisable: %v", err)
		return res
	}
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("output schema does not compile: %v", err)
		return res
	}

	instruction := "Respond with a single JSON document that conforms to this JSON schema, with no prose around it: " + string(raw)
	doc, ok := extractJSON(in.Response.Text)
	if !ok {
		res.Status = models.StatusFail
		res.Reason = "response contains no JSON document"
		res.Details = map[string]interface{}{"instruction": instruction}
		return res
	}
	var value interface{}
	if err := json.Unmarshal([]byte(doc), &value); err != nil {
		res.Status = models.StatusFail
		res.Reason = fmt.Sprintf("response JSON is malformed: %v", err)
		res.Details = map[string]interface{}{"instruction": instruction}
		return res
	}

	result := schema.Validate(value)
	if result.Valid {
		res.Status = models.StatusPass
		res.Reason = "response conforms to the output schema"
		return res
	}
	violations := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		violations = append(violations, e.Error())
	}
	sort.Strings(violations)
	res.Status = models.StatusFail
	res.Reason = "response violates the output schema: " + strings.Join(violations, "; ")
	res.Details = map[string]interface{}{
		"violations":  violations,
		"instruction": instruction + ". Problems found: " + strings.Join(violations, "; "),
	}
	return res
}

// extractJSON finds the JSON document in a response: the whole text, a
// fenced block, or the outermost braces.
func extractJSON(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if json.Valid([]byte(t)) {
		return t, true
	}
	if i := strings.Index(t, "```"); i >= 0 {
		rest := t[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), true
		}
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		i := strings.Index(t, pair[0])
		j := strings.LastIndex(t, pair[1])
		if i >= 0 && j > i {
			return t[i : j+1], true
		}
	}
	return "", false
}

// ── L6 Knowledge boundary ───────────────────────────────────

func (p *Pipeline) knowledgeBoundary(ctx context.Context, in Input) models.ValidationResult {
	res := newResult(models.LayerKnowledgeBoundary)
	chunks := in.Chunks
	if len(chunks) == 0 {
		chunks = in.used()
	}
	v, err := p.scope.Classify(ctx, in.Query, chunks)
	if err != nil {
		// Fail closed, but keep the classifier failure distinguishable from
		// an out-of-scope verdict.
		res.Status = models.StatusTerminate
		res.Reason = fmt.Sprintf("scope classifier unavailable: %v", err)
		res.Details = map[string]interface{}{"classifier_error": true}
		return res
	}
	res.Score = scoreOf(v.Score)
	if !v.InScope {
		res.Status = models.StatusTerminate
		res.Reason = firstNonEmpty(v.Reason, "query is outside the knowledge boundary")
		return res
	}
	res.Status = models.StatusPass
	res.Reason = firstNonEmpty(v.Reason, "query is within the knowledge boundary")
	return res
}

// ── L7 Temporal grounding ───────────────────────────────────

type staleChunk struct {
	ID      string `json:"id"`
	AgeDays int    `json:"age_days"`
}

func (p *Pipeline) temporalGrounding(in Input) models.ValidationResult {
	res := newResult(models.LayerTemporalGrounding)
	now := p.now()
	var stale []staleChunk
	for _, c := range in.used() {
		if age := c.Age(now); age > p.cfg.StalenessThreshold {
			stale = append(stale, staleChunk{ID: c.ID, AgeDays: int(age.Hours() / 24)})
		}
	}
	thresholdDays := int(p.cfg.StalenessThreshold.Hours() / 24)
	if len(stale) == 0 {
		res.Status = models.StatusPass
		res.Reason = fmt.Sprintf("all chunks ingested within %d days", thresholdDays)
		return res
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].AgeDays > stale[j].AgeDays })
	res.Status = models.StatusWarn
	res.Reason = fmt.Sprintf("%d chunk(s) older than %d days, oldest %d days (%s)",
		len(stale), thresholdDays, stale[0].AgeDays, stale[0].ID)
	res.Details = map[string]interface{}{
		"stale_chunks":   stale,
		"threshold_days": thresholdDays,
	}
	return res
}

// ── L8 Numerical verification ───────────────────────────────

type numericMismatch struct {
	Label   string `json:"label,omitempty"`
	Claimed string `json:"claimed"`
	Source  string `json:"source,omitempty"`
}

func (p *Pipeline) numericalVerification(ctx context.Context, in Input) models.ValidationResult {
	res := newResult(models.LayerNumericalVerification)

	// Uncited figures are checked against every chunk the response used.
	used := make([]string, 0, len(in.used()))
	for _, c := range in.used() {
		used = append(used, c.ID)
	}
	var numeric []contracts.NumericClaim
	for _, c := range ExtractClaims(in.Response.Text) {
		ids := c.Citations
		if len(ids) == 0 {
			ids = used
		}
		for _, n := range c.Numbers {
			numeric = append(numeric, contracts.NumericClaim{
				Sentence: c.Text,
				Value:    n.Value,
				Label:    n.Label,
				ChunkIDs: ids,
			})
		}
	}
	if len(numeric) == 0 {
		res.Status = models.StatusPass
		res.Reason = "no numeric claims"
		return res
	}
	if p.numeric == nil {
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("%d numeric claim(s) not verified: no numeric verifier configured", len(numeric))
		return res
	}

	var (
		verified     int
		unverifiable []numericMismatch
		mismatches   []numericMismatch
	)
	for _, nc := range numeric {
		values, err := p.numeric.Rederive(ctx, nc)
		if err != nil {
			res.Status = models.StatusFail
			res.Reason = fmt.Sprintf("numeric verifier failed on %s: %v", nc.Value, err)
			return res
		}
		ok, closest, err := matchNumber(nc.Value, values, p.cfg.NumericTolerance)
		switch {
		case len(values) == 0 || err != nil || (!ok && closest == ""):
			unverifiable = append(unverifiable, numericMismatch{Label: nc.Label, Claimed: nc.Value})
		case ok:
			verified++
		default:
			mismatches = append(mismatches, numericMismatch{Label: nc.Label, Claimed: nc.Value, Source: closest})
		}
	}

	res.Score = scoreOf(float64(verified) / float64(len(numeric)))
	res.Details = map[string]interface{}{
		"numbers":   len(numeric),
		"verified":  verified,
		"tolerance": p.cfg.NumericTolerance.String(),
	}
	if len(mismatches) == 0 && len(unverifiable) == 0 {
		res.Status = models.StatusPass
		res.Reason = fmt.Sprintf("%d numeric claim(s) verified", verified)
		return res
	}

	// Every figure must be re-derived from source data; one that cannot be
	// is rejected like a wrong one.
	var fixes, reasons []string
	for _, m := range mismatches {
		subject := firstNonEmpty(m.Label, "value")
		fixes = append(fixes, fmt.Sprintf("%s is %s in the source data, not %s", subject, m.Source, m.Claimed))
	}
	for _, m := range unverifiable {
		subject := firstNonEmpty(m.Label, "value")
		fixes = append(fixes, fmt.Sprintf("%s %s has no support in the source data", subject, m.Claimed))
	}
	if len(mismatches) > 0 {
		res.Details["mismatches"] = mismatches
		reasons = append(reasons, fmt.Sprintf("%d numeric claim(s) disagree with the source data", len(mismatches)))
	}
	if len(unverifiable) > 0 {
		res.Details["unverifiable"] = unverifiable
		reasons = append(reasons, fmt.Sprintf("%d numeric claim(s) could not be re-derived", len(unverifiable)))
	}
	res.Status = models.StatusFail
	res.Reason = strings.Join(reasons, "; ")
	res.Details["instruction"] = "Correct or remove these figures using only the source data: " + strings.Join(fixes, "; ") + "."
	return res
}

// ── Helpers ─────────────────────────────────────────────────

func chunkIndex(chunks []models.Chunk) map[string]models.Chunk {
	index := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		index[c.ID] = c
	}
	return index
}

func joinChunks(chunks []models.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
