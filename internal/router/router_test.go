package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/classify"
	"github.com/datamind/control-plane/internal/router"
	"github.com/datamind/control-plane/pkg/models"
)

// fixedIntent is a test IntentClassifier.
type fixedIntent struct {
	res   classify.IntentResult
	err   error
	block bool
	calls int
}

func (f *fixedIntent) ClassifyIntent(ctx context.Context, _ string) (classify.IntentResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return classify.IntentResult{}, ctx.Err()
	}
	return f.res, f.err
}

type fixedComplexity struct {
	res classify.ComplexityResult
}

func (f fixedComplexity) ScoreComplexity(context.Context, string) (classify.ComplexityResult, error) {
	return f.res, nil
}

func complexityOf(score float64) fixedComplexity {
	return fixedComplexity{res: classify.ComplexityResult{Score: score, Level: classify.LevelForScore(score)}}
}

func newTestRouter(intent classify.IntentClassifier, cx classify.ComplexityScorer, opts ...router.Option) *router.TierRouter {
	return router.New(router.DefaultConfig(), intent, cx, classify.RuleSensitivityDetector{}, opts...)
}

func TestSelectTier_Policy(t *testing.T) {
	cfg := router.DefaultConfig()
	public := models.Sensitivity{Level: models.SensitivityPublic}

	cases := []struct {
		name  string
		conf  float64
		score float64
		want  models.InferenceTier
	}{
		{"confident and low complexity", 0.92, 0.20, models.TierEdge},
		{"simple but unsure", 0.70, 0.20, models.TierLocalSmall},
		{"medium", 0.95, 0.50, models.TierCloudStandard},
		{"complex", 0.95, 0.80, models.TierReasoning},
		{"expert", 0.60, 0.95, models.TierReasoning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := router.Signals{
				Intent:      classify.IntentResult{Label: models.IntentSQL, Confidence: tc.conf},
				Complexity:  classify.ComplexityResult{Score: tc.score, Level: classify.LevelForScore(tc.score)},
				Sensitivity: public,
			}
			got, rationale := router.SelectTier(sig, cfg)
			assert.Equal(t, tc.want, got)
			assert.NotEmpty(t, rationale)
		})
	}
}

func TestSelectTier_SensitivityFloor(t *testing.T) {
	cfg := router.DefaultConfig()
	for _, level := range []models.SensitivityLevel{models.SensitivityConfidential, models.SensitivityRestricted} {
		for score := 0.0; score <= 1.0; score += 0.05 {
			sig := router.Signals{
				Intent:      classify.IntentResult{Label: models.IntentGeneral, Confidence: 0.99},
				Complexity:  classify.ComplexityResult{Score: score, Level: classify.LevelForScore(score)},
				Sensitivity: models.Sensitivity{Level: level},
			}
			got, _ := router.SelectTier(sig, cfg)
			if got < models.TierCloudStandard {
				t.Fatalf("sensitivity=%s score=%.2f routed to %s", level, score, got)
			}
			if sig.Complexity.Level == models.ComplexityExpert {
				assert.Equal(t, models.TierReasoning, got)
			}
		}
	}
}

func TestRoute_FinanceLowComplexityNeverEdge(t *testing.T) {
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentSQL, Confidence: 0.97}}
	r := newTestRouter(intent, complexityOf(0.1))

	d, err := r.Route(context.Background(), models.Query{
		Text:  "total orders yesterday",
		Hints: models.SensitivityHints{Finance: true},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Tier, models.TierCloudStandard)
	assert.Equal(t, models.SensitivityRestricted, d.Sensitivity.Level)
	assert.Equal(t, []string{"finance"}, d.Sensitivity.Domains)
}

func TestRoute_EdgeWithModelAndBudget(t *testing.T) {
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentGeneral, Confidence: 0.9}}
	r := newTestRouter(intent, complexityOf(0.2))

	d, err := r.Route(context.Background(), models.Query{Text: "how many rows"})
	require.NoError(t, err)
	assert.Equal(t, models.TierEdge, d.Tier)
	assert.Equal(t, 100*time.Millisecond, d.LatencyBudget)
	assert.Equal(t, router.DefaultConfig().Models[models.TierEdge].Default, d.Model)
	assert.False(t, d.Fallback)
}

func TestRoute_IntentModelOverride(t *testing.T) {
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentSQL, Confidence: 0.7}}
	r := newTestRouter(intent, complexityOf(0.5))

	d, err := r.Route(context.Background(), models.Query{Text: "join orders with users"})
	require.NoError(t, err)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
	assert.Equal(t, "codestral:22b", d.Model)
}

func TestRoute_ClassifierErrorFallsBack(t *testing.T) {
	intent := &fixedIntent{err: errors.New("model unavailable")}
	r := newTestRouter(intent, complexityOf(0.1))

	d, err := r.Route(context.Background(), models.Query{Text: "anything"})
	require.NoError(t, err)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
	assert.True(t, d.Fallback)
	assert.Contains(t, d.Rationale, "fallback")
}

func TestRoute_ClassifierTimeoutFallsBack(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.ClassifierTimeout = 20 * time.Millisecond
	intent := &fixedIntent{block: true}
	r := router.New(cfg, intent, complexityOf(0.1), classify.RuleSensitivityDetector{})

	start := time.Now()
	d, err := r.Route(context.Background(), models.Query{Text: "anything"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
	assert.True(t, d.Fallback)
}

func TestRoute_EmptyQuery(t *testing.T) {
	r := newTestRouter(&fixedIntent{}, complexityOf(0.1))
	_, err := r.Route(context.Background(), models.Query{Text: "   "})
	assert.ErrorIs(t, err, router.ErrEmptyQuery)
}

func TestRoute_ForcedTierKeepsFloor(t *testing.T) {
	r := newTestRouter(&fixedIntent{}, complexityOf(0.1))

	edge := models.TierEdge
	d, err := r.Route(context.Background(), models.Query{Text: "hello", ForceTier: &edge})
	require.NoError(t, err)
	assert.Equal(t, models.TierEdge, d.Tier)

	d, err = r.Route(context.Background(), models.Query{
		Text:      "hello",
		ForceTier: &edge,
		Hints:     models.SensitivityHints{Medical: true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
}

func TestRoute_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentEDA, Confidence: 0.7}}
	r := newTestRouter(intent, complexityOf(0.5), router.WithCache(router.NewRedisCache(client, "", 0)))
	q := models.Query{Text: "profile the orders table"}

	first, err := r.Route(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Route(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Tier, second.Tier)
	assert.Equal(t, first.Model, second.Model)
	assert.Equal(t, 1, intent.calls)

	key := "router:route:" + router.CacheKey(q)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, router.DefaultCacheTTL, mr.TTL(key))
}

func TestRoute_CacheKeyIncludesHints(t *testing.T) {
	plain := models.Query{Text: "show totals"}
	flagged := models.Query{Text: "show totals", Hints: models.SensitivityHints{Legal: true}}
	assert.NotEqual(t, router.CacheKey(plain), router.CacheKey(flagged))
	assert.Len(t, router.CacheKey(plain), 16)
}

func TestRoute_CacheUnavailableIsIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentEDA, Confidence: 0.7}}
	r := newTestRouter(intent, complexityOf(0.5), router.WithCache(router.NewRedisCache(client, "", 0)))

	d, err := r.Route(context.Background(), models.Query{Text: "profile orders"})
	require.NoError(t, err)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
	assert.False(t, d.Fallback)
}

func TestClassify_ReportsSignalsAndErrors(t *testing.T) {
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentSQL, Confidence: 0.9}}
	r := newTestRouter(intent, complexityOf(0.2))

	sig, err := r.Classify(context.Background(), models.Query{Text: "count rows", Hints: models.SensitivityHints{Finance: true}})
	require.NoError(t, err)
	assert.Equal(t, models.IntentSQL, sig.Intent.Label)
	assert.InDelta(t, 0.2, sig.Complexity.Score, 1e-9)
	assert.True(t, sig.Sensitivity.HighStakes())

	failing := newTestRouter(&fixedIntent{err: errors.New("down")}, complexityOf(0.2))
	_, err = failing.Classify(context.Background(), models.Query{Text: "count rows"})
	assert.ErrorContains(t, err, "intent")

	_, err = r.Classify(context.Background(), models.Query{})
	assert.ErrorIs(t, err, router.ErrEmptyQuery)
}

func TestRoute_UnboundTierMovesUp(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.Bound = []models.InferenceTier{models.TierCloudStandard, models.TierReasoning}
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentGeneral, Confidence: 0.95}}
	r := router.New(cfg, intent, complexityOf(0.1), classify.RuleSensitivityDetector{})

	d, err := r.Route(context.Background(), models.Query{Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, models.TierCloudStandard, d.Tier)
	assert.Contains(t, d.Rationale, "edge unbound")
	assert.Equal(t, "claude-sonnet-4-5", d.Model)
	assert.Equal(t, 5*time.Second, d.LatencyBudget)
}

func TestRoute_HighSensitivityNeverBelowFloor(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.Bound = []models.InferenceTier{models.TierEdge, models.TierLocalSmall}
	intent := &fixedIntent{res: classify.IntentResult{Label: models.IntentSQL, Confidence: 0.97}}
	r := router.New(cfg, intent, complexityOf(0.1), classify.RuleSensitivityDetector{})
	ctx := context.Background()
	finance := models.SensitivityHints{Finance: true}

	_, err := r.Route(ctx, models.Query{Text: "total orders yesterday", Hints: finance})
	assert.ErrorIs(t, err, router.ErrBelowSafetyFloor)

	edge := models.TierEdge
	_, err = r.Route(ctx, models.Query{Text: "total orders yesterday", Hints: finance, ForceTier: &edge})
	assert.ErrorIs(t, err, router.ErrBelowSafetyFloor)

	failing := router.New(cfg, &fixedIntent{err: errors.New("model unavailable")}, complexityOf(0.1), classify.RuleSensitivityDetector{})
	_, err = failing.Route(ctx, models.Query{Text: "total orders yesterday", Hints: finance})
	assert.ErrorIs(t, err, router.ErrBelowSafetyFloor)

	// Ordinary queries still move to the highest bound tier.
	d, err := r.Route(ctx, models.Query{Text: "hello there"})
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Tier, models.TierLocalSmall)
}
