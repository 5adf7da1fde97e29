package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/config"
)

func TestLoad_RequiresAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	_, err := config.Load()
	assert.Error(t, err, "Load must fail without LLM_API_KEY")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Server.MetricsEnabled)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.ChatModel)
	assert.Equal(t, "text-embedding-3-small", cfg.LLM.EmbeddingModel)
	assert.Equal(t, 20, cfg.Pipeline.WindowBase)
	assert.Equal(t, 40, cfg.Pipeline.WindowMax)
	assert.Equal(t, 120, cfg.Pipeline.FenceTTLMinutes)
	assert.Equal(t, 120, cfg.Pipeline.SegmentTimeTriggerMinutes)
	assert.InDelta(t, 0.85, cfg.Pipeline.FlashbulbThreshold, 0.0001)
	assert.InDelta(t, 0.9, cfg.Pipeline.DesiredRetention, 0.0001)
	assert.Equal(t, 1536, cfg.Pipeline.EmbeddingDimension)
	assert.Equal(t, 3, cfg.Pipeline.ConsolidationEpisodeThreshold)
	assert.InDelta(t, 0.95, cfg.Pipeline.DedupeThreshold, 0.0001)
	assert.Equal(t, 20, cfg.Pipeline.RelatedFactsLimit)
	assert.Equal(t, "development", cfg.Security.SecurityMode)
	assert.Equal(t, "", cfg.Security.APIToken)
	assert.Equal(t, "", cfg.Jobs.RedisURL)
	assert.Equal(t, "./data/jobs-snapshot.yaml", cfg.Jobs.SnapshotPath)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("NEMOSYNE_WINDOW_BASE", "10")
	t.Setenv("NEMOSYNE_FLASHBULB_THRESHOLD", "0.7")
	t.Setenv("DATABASE_URL", "postgres://localhost/nemosyne")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Pipeline.WindowBase)
	assert.InDelta(t, 0.7, cfg.Pipeline.FlashbulbThreshold, 0.0001)
	assert.Equal(t, "postgres://localhost/nemosyne", cfg.Database.DatabaseURL)
}
