package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 4096
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 18791

	DefaultPollIntervalMs      = 2000
	DefaultRewriteMaxRetry     = 2
	DefaultJobMaxRetry         = 3
	DefaultStaleTimeoutMinutes = 30
	DefaultAutoTopK            = 5
	DefaultSearchTopK          = 10
	DefaultCandidateMultiplier = 3
	DefaultMinSimilarity       = 0.35
	DefaultRecencyBoost        = 0.6
	DefaultHalfLifeAutoHours   = 72.0
	DefaultHalfLifeSearchHours = 720.0
	DefaultProfileRevisions    = 5
	DefaultFailedMaxAgeDays    = 14
	DefaultFailedMaxFiles      = 200
	DefaultHousekeepSchedule   = "@hourly"
	DefaultProfileCacheTTLSec  = 30
	DefaultTimezone            = "Asia/Shanghai"

	DefaultEmbeddingBatchSize = 16
	DefaultEmbeddingTimeoutMs = 15000
	DefaultRerankTimeoutMs    = 10000
	DefaultModelTimeoutMs     = 60000
)

type Config struct {
	DataDir   string          `json:"dataDir"`
	Provider  ProviderConfig  `json:"provider"`
	Embedding EmbeddingConfig `json:"embedding"`
	Rerank    RerankConfig    `json:"rerank"`
	Memory    MemoryConfig    `json:"memory"`
	Gateway   GatewayConfig   `json:"gateway"`
}

// ProviderConfig points at an OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type EmbeddingConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type RerankConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// MemoryConfig holds every tunable of the ingestion/retrieval subsystem.
// Values are read through the Manager snapshot at point of use so edits to
// the config file take effect without a restart.
type MemoryConfig struct {
	Enabled             bool    `json:"enabled"`
	PollIntervalMs      int     `json:"pollIntervalMs,omitempty"`
	RewriteMaxRetry     int     `json:"rewriteMaxRetry,omitempty"`
	JobMaxRetry         int     `json:"jobMaxRetry,omitempty"`
	StaleTimeoutMinutes int     `json:"staleTimeoutMinutes,omitempty"`
	AutoTopK            int     `json:"autoTopK,omitempty"`
	SearchTopK          int     `json:"searchTopK,omitempty"`
	CandidateMultiplier int     `json:"candidateMultiplier,omitempty"`
	MinSimilarity       float64 `json:"minSimilarity,omitempty"`
	RecencyBoost        float64 `json:"recencyBoost,omitempty"`
	HalfLifeAutoHours   float64 `json:"halfLifeAutoHours,omitempty"`
	HalfLifeSearchHours float64 `json:"halfLifeSearchHours,omitempty"`
	ProfileRevisions    int     `json:"profileRevisions,omitempty"`
	FailedMaxAgeDays    int     `json:"failedMaxAgeDays,omitempty"`
	FailedMaxFiles      int     `json:"failedMaxFiles,omitempty"`
	HousekeepSchedule   string  `json:"housekeepSchedule,omitempty"`
	ProfileCacheTTLSec  int     `json:"profileCacheTtlSec,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".chronicler", "data"),
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
			TimeoutMs: DefaultModelTimeoutMs,
		},
		Embedding: EmbeddingConfig{
			BatchSize: DefaultEmbeddingBatchSize,
			TimeoutMs: DefaultEmbeddingTimeoutMs,
		},
		Rerank: RerankConfig{
			TimeoutMs: DefaultRerankTimeoutMs,
		},
		Memory: MemoryConfig{
			Enabled:             true,
			PollIntervalMs:      DefaultPollIntervalMs,
			RewriteMaxRetry:     DefaultRewriteMaxRetry,
			JobMaxRetry:         DefaultJobMaxRetry,
			StaleTimeoutMinutes: DefaultStaleTimeoutMinutes,
			AutoTopK:            DefaultAutoTopK,
			SearchTopK:          DefaultSearchTopK,
			CandidateMultiplier: DefaultCandidateMultiplier,
			MinSimilarity:       DefaultMinSimilarity,
			RecencyBoost:        DefaultRecencyBoost,
			HalfLifeAutoHours:   DefaultHalfLifeAutoHours,
			HalfLifeSearchHours: DefaultHalfLifeSearchHours,
			ProfileRevisions:    DefaultProfileRevisions,
			FailedMaxAgeDays:    DefaultFailedMaxAgeDays,
			FailedMaxFiles:      DefaultFailedMaxFiles,
			HousekeepSchedule:   DefaultHousekeepSchedule,
			ProfileCacheTTLSec:  DefaultProfileCacheTTLSec,
			Timezone:            DefaultTimezone,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chronicler")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("CHRONICLER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CHRONICLER_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHRONICLER_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if dir := os.Getenv("CHRONICLER_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if key := os.Getenv("CHRONICLER_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if url := os.Getenv("CHRONICLER_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if model := os.Getenv("CHRONICLER_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if enabled := os.Getenv("CHRONICLER_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
}

// Normalize clamps zero/negative tunables back to defaults so a sparse
// config file still yields a workable runtime.
func (c *Config) Normalize() {
	m := &c.Memory
	if m.PollIntervalMs <= 0 {
		m.PollIntervalMs = DefaultPollIntervalMs
	}
	if m.RewriteMaxRetry < 0 {
		m.RewriteMaxRetry = DefaultRewriteMaxRetry
	}
	if m.JobMaxRetry <= 0 {
		m.JobMaxRetry = DefaultJobMaxRetry
	}
	if m.StaleTimeoutMinutes <= 0 {
		m.StaleTimeoutMinutes = DefaultStaleTimeoutMinutes
	}
	if m.AutoTopK <= 0 {
		m.AutoTopK = DefaultAutoTopK
	}
	if m.SearchTopK <= 0 {
		m.SearchTopK = DefaultSearchTopK
	}
	if m.CandidateMultiplier <= 0 {
		m.CandidateMultiplier = DefaultCandidateMultiplier
	}
	if m.MinSimilarity <= 0 {
		m.MinSimilarity = DefaultMinSimilarity
	}
	if m.RecencyBoost <= 0 {
		m.RecencyBoost = DefaultRecencyBoost
	}
	if m.HalfLifeAutoHours <= 0 {
		m.HalfLifeAutoHours = DefaultHalfLifeAutoHours
	}
	if m.HalfLifeSearchHours <= 0 {
		m.HalfLifeSearchHours = DefaultHalfLifeSearchHours
	}
	if m.ProfileRevisions <= 0 {
		m.ProfileRevisions = DefaultProfileRevisions
	}
	if m.FailedMaxAgeDays <= 0 {
		m.FailedMaxAgeDays = DefaultFailedMaxAgeDays
	}
	if m.FailedMaxFiles <= 0 {
		m.FailedMaxFiles = DefaultFailedMaxFiles
	}
	if m.HousekeepSchedule == "" {
		m.HousekeepSchedule = DefaultHousekeepSchedule
	}
	if m.ProfileCacheTTLSec <= 0 {
		m.ProfileCacheTTLSec = DefaultProfileCacheTTLSec
	}
	if m.Timezone == "" {
		m.Timezone = DefaultTimezone
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = DefaultPort
	}
}
