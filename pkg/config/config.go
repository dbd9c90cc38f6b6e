package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config is the full contextd configuration: defaults, overridden by an
// optional JSON file, overridden by CONTEXTD_* environment variables.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Sessions SessionsConfig `json:"sessions"`
	Scoring  ScoringConfig  `json:"scoring"`
	Compact  CompactConfig  `json:"compaction"`
	Pipeline PipelineConfig `json:"pipeline"`
	Context  ContextConfig  `json:"context"`
	Admin    AdminConfig    `json:"admin"`
}

type StoreConfig struct {
	Path string `json:"path" env:"CONTEXTD_STORE_PATH"`
}

type SessionsConfig struct {
	// IdleTimeoutMinutes ends sessions with no appended events for this long.
	IdleTimeoutMinutes int `json:"idle_timeout_minutes" env:"CONTEXTD_SESSIONS_IDLE_TIMEOUT_MINUTES"`
	// SweepSchedule is a cron expression for the idle-session sweeper.
	SweepSchedule    string `json:"sweep_schedule" env:"CONTEXTD_SESSIONS_SWEEP_SCHEDULE"`
	AppendMaxRetries int    `json:"append_max_retries" env:"CONTEXTD_SESSIONS_APPEND_MAX_RETRIES"`
}

// ScoringConfig exposes the retrieval scoring knobs. The 0.4/0.3/0.3
// split and the 30-day window are starting points, not measured optima.
type ScoringConfig struct {
	RelevanceWeight   float64 `json:"relevance_weight" env:"CONTEXTD_SCORING_RELEVANCE_WEIGHT"`
	RecencyWeight     float64 `json:"recency_weight" env:"CONTEXTD_SCORING_RECENCY_WEIGHT"`
	ImportanceWeight  float64 `json:"importance_weight" env:"CONTEXTD_SCORING_IMPORTANCE_WEIGHT"`
	RecencyWindowDays int     `json:"recency_window_days" env:"CONTEXTD_SCORING_RECENCY_WINDOW_DAYS"`
	CacheSize         int     `json:"cache_size" env:"CONTEXTD_SCORING_CACHE_SIZE"`
}

type CompactConfig struct {
	WindowSize int `json:"window_size" env:"CONTEXTD_COMPACT_WINDOW_SIZE"`
	KeepRecent int `json:"keep_recent" env:"CONTEXTD_COMPACT_KEEP_RECENT"`
}

type PipelineConfig struct {
	// Similarity selects the consolidation backend: "lexical" or "vector".
	Similarity          string  `json:"similarity" env:"CONTEXTD_PIPELINE_SIMILARITY"`
	SimilarityThreshold float64 `json:"similarity_threshold" env:"CONTEXTD_PIPELINE_SIMILARITY_THRESHOLD"`
	SupersedeMargin     float64 `json:"supersede_margin" env:"CONTEXTD_PIPELINE_SUPERSEDE_MARGIN"`
	BatchLimit          int     `json:"batch_limit" env:"CONTEXTD_PIPELINE_BATCH_LIMIT"`
	WorkerPollMS        int     `json:"worker_poll_ms" env:"CONTEXTD_PIPELINE_WORKER_POLL_MS"`
	WorkerLeaseSeconds  int     `json:"worker_lease_seconds" env:"CONTEXTD_PIPELINE_WORKER_LEASE_SECONDS"`
}

type ContextConfig struct {
	MaxContextTokens   int `json:"max_context_tokens" env:"CONTEXTD_CONTEXT_MAX_CONTEXT_TOKENS"`
	TopK               int `json:"top_k" env:"CONTEXTD_CONTEXT_TOP_K"`
	TopM               int `json:"top_m" env:"CONTEXTD_CONTEXT_TOP_M"`
	RetrievalTimeoutMS int `json:"retrieval_timeout_ms" env:"CONTEXTD_CONTEXT_RETRIEVAL_TIMEOUT_MS"`
}

type AdminConfig struct {
	Host string `json:"host" env:"CONTEXTD_ADMIN_HOST"`
	Port int    `json:"port" env:"CONTEXTD_ADMIN_PORT"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.contextd/state/contextd.db",
		},
		Sessions: SessionsConfig{
			IdleTimeoutMinutes: 120,
			SweepSchedule:      "*/5 * * * *",
			AppendMaxRetries:   3,
		},
		Scoring: ScoringConfig{
			RelevanceWeight:   0.4,
			RecencyWeight:     0.3,
			ImportanceWeight:  0.3,
			RecencyWindowDays: 30,
			CacheSize:         256,
		},
		Compact: CompactConfig{
			WindowSize: 30,
			KeepRecent: 10,
		},
		Pipeline: PipelineConfig{
			Similarity:          "lexical",
			SimilarityThreshold: 0.3,
			SupersedeMargin:     0.15,
			BatchLimit:          256,
			WorkerPollMS:        800,
			WorkerLeaseSeconds:  45,
		},
		Context: ContextConfig{
			MaxContextTokens:   8192,
			TopK:               8,
			TopM:               4,
			RetrievalTimeoutMS: 1500,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 18940,
		},
	}
}

// LoadConfig reads path (missing file is fine) and applies env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// StorePath returns the configured database path with ~ expanded.
func (c *Config) StorePath() string {
	return ExpandHome(c.Store.Path)
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
