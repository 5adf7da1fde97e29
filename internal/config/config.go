// Package config provides configuration management for the memory service.
// It loads settings from environment variables with sensible defaults for
// every operational knob the spaced-repetition and segmentation pipeline
// needs.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration settings for the memory service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Security SecurityConfig
	Jobs     JobsConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int    // Server port (default: 8080)
	Host           string // Server host (default: 127.0.0.1)
	MetricsEnabled bool   // NEMOSYNE_METRICS_ENABLED: serve /metrics (default: true)
}

// DatabaseConfig contains storage backend configuration.
type DatabaseConfig struct {
	// DatabaseURL is the Postgres DSN. When empty the service falls back to
	// an embedded SQLite database at SQLitePath.
	DatabaseURL string
	SQLitePath  string // Path to the SQLite fallback database (default: ./data/nemosyne.db)
}

// LLMConfig contains the single OpenAI-compatible LLM endpoint configuration
// used for both chat completion and embeddings.
type LLMConfig struct {
	BaseURL        string // LLM_BASE_URL (default: https://api.openai.com/v1)
	APIKey         string // LLM_API_KEY
	ChatModel      string // LLM_CHAT_MODEL (default: gpt-4o-mini)
	EmbeddingModel string // LLM_EMBEDDING_MODEL (default: text-embedding-3-small)
}

// PipelineConfig contains the tunable thresholds governing segmentation,
// spaced repetition, and retrieval.
type PipelineConfig struct {
	// WindowBase is the message-count trigger floor before a segmentation
	// job is attempted.
	WindowBase int
	// WindowMax is the doubled window ceiling used once a conversation has
	// proven noisy (WindowDoubled).
	WindowMax int
	// FenceTTLMinutes is how long a segmentation fence may stand before it is
	// considered stale and reclaimed, in minutes.
	FenceTTLMinutes int
	// SegmentTimeTriggerMinutes is the idle-time trigger: a segmentation
	// job runs if the oldest buffered message is older than this, even if
	// WindowBase has not been reached.
	SegmentTimeTriggerMinutes int
	// FlashbulbThreshold is the Surprise value at and above which an
	// episode is consolidated immediately rather than waiting for the
	// episode-count threshold.
	FlashbulbThreshold float32
	// DesiredRetention is the FSRS target retrievability used to derive
	// the stability parameters of freshly created episodes.
	DesiredRetention float32
	// EmbeddingDimension records the configured LLM.EmbeddingModel's output
	// width. The storage schemas do not read it: the pgvector columns are
	// declared without a dimension.
	EmbeddingDimension int
	// ConsolidationEpisodeThreshold is the unconsolidated-episode count
	// that enqueues a consolidation job absent a flashbulb episode.
	ConsolidationEpisodeThreshold int
	// DedupeThreshold is the cosine similarity at and above which a
	// proposed "new" fact is folded into an existing one as a reinforce.
	DedupeThreshold float64
	// RelatedFactsLimit caps how many existing facts are shown to the
	// calibrate LLM call per consolidation job.
	RelatedFactsLimit int
}

// SecurityConfig contains authentication settings for the HTTP API.
type SecurityConfig struct {
	SecurityMode string // NEMOSYNE_SECURITY_MODE: development, production (default: development)
	APIToken     string // NEMOSYNE_API_TOKEN
}

// JobsConfig selects and tunes the background job dispatcher.
type JobsConfig struct {
	// RedisURL, when non-empty, switches the dispatcher from the
	// in-process worker pool to the Redis-backed distributed one (the
	// multi-process deployment the job dispatcher's external variant
	// assumes). Empty keeps the default in-memory dispatcher.
	RedisURL string
	// SnapshotPath is where the in-memory dispatcher dumps undrained jobs
	// if a shutdown deadline is missed, for recovery on the next start.
	SnapshotPath string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("NEMOSYNE_PORT", 8080),
			Host:           getEnv("NEMOSYNE_HOST", "127.0.0.1"),
			MetricsEnabled: getEnvBool("NEMOSYNE_METRICS_ENABLED", true),
		},
		Database: DatabaseConfig{
			DatabaseURL: getEnv("DATABASE_URL", ""),
			SQLitePath:  getEnv("NEMOSYNE_SQLITE_PATH", "./data/nemosyne.db"),
		},
		LLM: LLMConfig{
			BaseURL:        getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         getEnv("LLM_API_KEY", ""),
			ChatModel:      getEnv("LLM_CHAT_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("LLM_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Pipeline: PipelineConfig{
			WindowBase:                    getEnvInt("NEMOSYNE_WINDOW_BASE", 20),
			WindowMax:                     getEnvInt("NEMOSYNE_WINDOW_MAX", 40),
			FenceTTLMinutes:               getEnvInt("NEMOSYNE_FENCE_TTL_MINUTES", 120),
			SegmentTimeTriggerMinutes:     getEnvInt("NEMOSYNE_SEGMENT_TIME_TRIGGER_MINUTES", 120),
			FlashbulbThreshold:            getEnvFloat32("NEMOSYNE_FLASHBULB_THRESHOLD", 0.85),
			DesiredRetention:              getEnvFloat32("NEMOSYNE_DESIRED_RETENTION", 0.9),
			EmbeddingDimension:            getEnvInt("NEMOSYNE_EMBEDDING_DIMENSION", 1536),
			ConsolidationEpisodeThreshold: getEnvInt("NEMOSYNE_CONSOLIDATION_EPISODE_THRESHOLD", 3),
			DedupeThreshold:               getEnvFloat64("NEMOSYNE_DEDUPE_THRESHOLD", 0.95),
			RelatedFactsLimit:             getEnvInt("NEMOSYNE_RELATED_FACTS_LIMIT", 20),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("NEMOSYNE_SECURITY_MODE", "development"),
			APIToken:     getEnv("NEMOSYNE_API_TOKEN", ""),
		},
		Jobs: JobsConfig{
			RedisURL:     getEnv("NEMOSYNE_REDIS_URL", ""),
			SnapshotPath: getEnv("NEMOSYNE_JOBS_SNAPSHOT_PATH", "./data/jobs-snapshot.yaml"),
		},
	}

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("config: LLM_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
