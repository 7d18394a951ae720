package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leedenison/portfoliodb/internal/models"
)

func TestLoad_CreatesTemplateOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))

	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "portfoliodb.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Resolution.PluginTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Resolution.AttemptTimeout)
	assert.Equal(t, 20, cfg.Retry.MaxRetries)
	assert.Equal(t, 720*time.Hour, cfg.Sweep.StaleAfter)

	prec := SortedPrecedence(cfg.Precedence)
	require.Len(t, prec, 3)
	assert.Equal(t, models.PrecedenceEntry{Name: "reference", Rank: 1, Enabled: true}, prec[0])
	assert.False(t, prec[1].Enabled)

	assert.Equal(t, "reference.yaml", cfg.Resolvers["reference"]["path"])
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	_, _ = Load(dir)

	t.Setenv("PORTFOLIODB_DB_PATH", "/var/lib/portfoliodb/ids.db")
	t.Setenv("OPENFIGI_API_KEY", "figi-key")
	t.Setenv("KITE_ACCESS_TOKEN", "kite-token")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/portfoliodb/ids.db", cfg.Store.Path)
	assert.Equal(t, "figi-key", cfg.Resolvers["openfigi"]["api_key"])
	assert.Equal(t, "kite-token", cfg.Resolvers["kite"]["access_token"])
}

func TestLoad_RejectsInvalidRetrySettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[retry]
base_delay = "1h"
max_delay = "1m"
`), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay <= max_delay")
}

func TestValidatePrecedence(t *testing.T) {
	assert.NoError(t, ValidatePrecedence(nil))
	assert.NoError(t, ValidatePrecedence([]models.PrecedenceEntry{
		{Name: "a", Rank: 1}, {Name: "b", Rank: 2},
	}))
	assert.Error(t, ValidatePrecedence([]models.PrecedenceEntry{{Rank: 1}}))
	assert.Error(t, ValidatePrecedence([]models.PrecedenceEntry{
		{Name: "a", Rank: 1}, {Name: "a", Rank: 2},
	}))
	assert.Error(t, ValidatePrecedence([]models.PrecedenceEntry{
		{Name: "a", Rank: 1}, {Name: "b", Rank: 1},
	}))
}
