package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNothingPresent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cfg.SchemaVersion)
	assert.False(t, cfg.Resume)
	assert.Empty(t, cfg.PRDPath)
}

func TestLoadReadsJSONFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFilename), []byte(`{"prdPath":"./PRD.md","resume":true,"port":4000}`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "./PRD.md", cfg.PRDPath)
	assert.True(t, cfg.Resume)
	assert.Equal(t, 4000, cfg.Port)
}

func TestLoadSurfacesCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFilename), []byte("not json"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFilename), []byte(`{"port":4000,"skipVerify":false}`), 0o644))

	t.Setenv("AUTOPILOT_PORT", "9999")
	t.Setenv("AUTOPILOT_SKIP_VERIFY", "true")
	t.Setenv("AUTOPILOT_PHASES", "1, 2.5, bogus, 3")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.SkipVerify)
	assert.Equal(t, []float64{1, 2.5, 3}, cfg.Phases)
}

func TestGetConfigReturnsLastLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUTOPILOT_MODEL", "opus")
	_, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "opus", GetConfig().Model)
}

func TestLoadIgnoresMissingDotEnv(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.NoError(t, err)
}
