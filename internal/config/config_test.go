package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/config"
	"github.com/datamind/control-plane/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.70, cfg.Validation.FaithfulnessThreshold, 1e-9)
	assert.Equal(t, 90*24*time.Hour, cfg.Validation.Staleness)
	assert.Equal(t, 5, cfg.Validation.SelfConsistencySamples)
	assert.Equal(t, "0.005", cfg.Validation.NumericTolerance)
	assert.Equal(t, 3, cfg.Escalation.MaxRegenerate)
	assert.Equal(t, 2*time.Second, cfg.Router.ClassifierTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, "memory", cfg.Provenance.Backend)

	bound := cfg.Tiers.ByTier()
	assert.NotContains(t, bound, models.TierEdge, "edge has no driver by default")
	assert.Equal(t, "anthropic", bound[models.TierCloudStandard].Driver)
	assert.Equal(t, 60*time.Second, bound[models.TierReasoning].LatencyBudget)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
tiers:
  edge:
    driver: openai
    model: phi-mini
    endpoint: https://edge.example.com/v1
validation:
  blocked_topics: [salary, passwords]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("DATAMIND_SERVER_PORT", "9191")
	t.Setenv("DATAMIND_ESCALATION_MAX_REGENERATE", "2")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 2, cfg.Escalation.MaxRegenerate)
	assert.Equal(t, []string{"salary", "passwords"}, cfg.Validation.BlockedTopics)
	edge, ok := cfg.Tiers.ByTier()[models.TierEdge]
	require.True(t, ok)
	assert.Equal(t, "phi-mini", edge.Model)
	assert.Equal(t, 100*time.Millisecond, edge.LatencyBudget)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"DATAMIND_PROVENANCE_BACKEND":               "blockchain",
		"DATAMIND_VALIDATION_FAITHFULNESS_THRESHOLD": "1.5",
		"DATAMIND_TIERS_CLOUD_STANDARD_DRIVER":       "bedrock",
		"DATAMIND_VALIDATION_CRITIC_TIER":            "gigantic",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_NotifyWebhooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
notify:
  webhooks:
    - name: ops
      url: https://hooks.example.com/datamind
      secret: s3cret
      events: [outcome.scope_violation]
audit:
  archive_path: /var/lib/datamind/archive
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.Equal(t, "ops", cfg.Notify.Webhooks[0].Name)
	assert.Equal(t, []string{"outcome.scope_violation"}, cfg.Notify.Webhooks[0].Events)
	assert.Equal(t, 15*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, "/var/lib/datamind/archive", cfg.Audit.ArchivePath)
	assert.True(t, cfg.Audit.ArchiveCompress)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("notify:\n  webhooks:\n    - name: ops\n"), 0o600))
	_, err = config.Load(bad)
	assert.Error(t, err, "webhook without url")
}
