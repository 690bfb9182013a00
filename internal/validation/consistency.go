package validation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// z-score of a two-sided 95% interval.
const wilsonZ = 1.96

// minSupportOverlap is the share of a claim's content words a sampled claim
// must repeat to count as agreement.
const minSupportOverlap = 0.6

// WilsonInterval returns the 95% Wilson score interval for k agreeing out of n.
func WilsonInterval(k, n int) (lower, upper float64) {
	if n <= 0 {
		return 0, 1
	}
	p := float64(k) / float64(n)
	nf := float64(n)
	z2 := wilsonZ * wilsonZ
	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := wilsonZ * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom
	return math.Max(0, center-margin), math.Min(1, center+margin)
}

// sample draws up to n independent generations concurrently. Samples that
// fail or finish after ctx is done are dropped.
func (p *Pipeline) sample(ctx context.Context, in Input, n int) []string {
	if p.cfg.SampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SampleTimeout)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		texts []string
		g     errgroup.Group
	)
	temp := p.cfg.SampleTemperature
	for i := 0; i < n; i++ {
		g.Go(func() error {
			resp, err := p.sampler.Generate(ctx, contracts.GenerateRequest{
				Tier:        in.Response.Tier,
				Model:       in.Response.Model,
				Query:       in.Query,
				Context:     in.Response.UsedChunks,
				Temperature: &temp,
				Attempt:     in.Response.Attempt,
			})
			if err != nil || ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			texts = append(texts, resp.Text)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return texts
}

// selfConsistency samples N generations, majority-votes each claim of the
// response and attaches a Wilson interval for the weakest claim.
func (p *Pipeline) selfConsistency(ctx context.Context, in Input) (models.ValidationResult, *models.ConfidenceInterval) {
	res := newResult(models.LayerSelfConsistency)
	claims := ExtractClaims(in.Response.Text)
	if len(claims) == 0 {
		res.Status = models.StatusPass
		res.Reason = "no factual claims to sample"
		return res, nil
	}

	n := p.cfg.SelfConsistencySamples
	samples := p.sample(ctx, in, n)
	quorum := n/2 + 1
	if len(samples) < quorum {
		res.Status = models.StatusWarn
		res.Reason = fmt.Sprintf("self-consistency quorum not reached: %d of %d samples", len(samples), n)
		return res, nil
	}

	sampleClaims := make([][]Claim, len(samples))
	for i, s := range samples {
		sampleClaims[i] = ExtractClaims(s)
	}

	ci := &models.ConfidenceInterval{Samples: len(samples), Point: 1, Agree: len(samples)}
	allMajority := true
	for _, c := range claims {
		votes := 0
		for _, sc := range sampleClaims {
			if supportedBy(c, sc) {
				votes++
			}
		}
		vote := models.ClaimVote{Claim: c.Text, Votes: votes, Samples: len(samples), Majority: votes*2 > len(samples)}
		ci.Claims = append(ci.Claims, vote)
		if !vote.Majority {
			allMajority = false
		}
		if point := float64(votes) / float64(len(samples)); point < ci.Point {
			ci.Point = point
			ci.Agree = votes
		}
	}
	ci.Lower, ci.Upper = WilsonInterval(ci.Agree, ci.Samples)

	score := ci.Point
	res.Score = &score
	res.Details = map[string]interface{}{
		"samples": len(samples),
		"claims":  ci.Claims,
		"lower":   ci.Lower,
		"upper":   ci.Upper,
	}
	if allMajority {
		res.Status = models.StatusPass
		res.Reason = fmt.Sprintf("all claims held by a majority of %d samples", len(samples))
	} else {
		res.Status = models.StatusWarn
		res.Reason = "some claims were not reproduced by a majority of samples"
	}
	return res, ci
}

// supportedBy reports whether any sampled claim repeats c: same numbers and
// enough shared content words.
func supportedBy(c Claim, sampled []Claim) bool {
	words := contentWords(c.Text)
	for _, s := range sampled {
		if !numbersContained(c.Numbers, s.Numbers) {
			continue
		}
		if len(words) == 0 {
			return true
		}
		sw := contentWords(s.Text)
		hit := 0
		for w := range words {
			if sw[w] {
				hit++
			}
		}
		if float64(hit)/float64(len(words)) >= minSupportOverlap {
			return true
		}
	}
	return false
}

func numbersContained(want, have []Number) bool {
	set := make(map[string]bool, len(have))
	for _, n := range have {
		set[n.Value] = true
	}
	for _, n := range want {
		if !set[n.Value] {
			return false
		}
	}
	return true
}
