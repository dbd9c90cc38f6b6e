package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.4, cfg.Scoring.RelevanceWeight)
	assert.Equal(t, 0.3, cfg.Scoring.RecencyWeight)
	assert.Equal(t, 0.3, cfg.Scoring.ImportanceWeight)
	assert.Equal(t, 30, cfg.Scoring.RecencyWindowDays)
	assert.Equal(t, 30, cfg.Compact.WindowSize)
	assert.Equal(t, 10, cfg.Compact.KeepRecent)
	assert.Equal(t, "lexical", cfg.Pipeline.Similarity)
	assert.Equal(t, 120, cfg.Sessions.IdleTimeoutMinutes)
	assert.Equal(t, 8192, cfg.Context.MaxContextTokens)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scoring, cfg.Scoring)
}

func TestLoadConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"compaction": {"window_size": 50, "keep_recent": 20}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Compact.WindowSize)
	assert.Equal(t, 20, cfg.Compact.KeepRecent)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.4, cfg.Scoring.RelevanceWeight)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline": {"similarity": "lexical"}}`), 0o600))

	t.Setenv("CONTEXTD_PIPELINE_SIMILARITY", "vector")
	t.Setenv("CONTEXTD_SCORING_RECENCY_WINDOW_DAYS", "14")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "vector", cfg.Pipeline.Similarity)
	assert.Equal(t, 14, cfg.Scoring.RecencyWindowDays)
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Compact.WindowSize = 42

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Compact.WindowSize)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home+"/x.db", ExpandHome("~/x.db"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path.db", ExpandHome("/abs/path.db"))
	assert.Equal(t, "", ExpandHome(""))
}
