package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/config"
)

func TestPreflightRequiresPRDOnFreshRun(t *testing.T) {
	errs := preflight("", false)
	assert.Contains(t, join(errs), "PRD path")
}

func TestPreflightAllowsMissingPRDOnResume(t *testing.T) {
	errs := preflight("", true)
	for _, e := range errs {
		assert.NotContains(t, e, "PRD path")
	}
}

func TestPreflightFlagsUnreadablePRD(t *testing.T) {
	errs := preflight("/nonexistent/PRD.md", false)
	assert.Contains(t, join(errs), "unreadable PRD")
}

func TestPreflightAcceptsReadablePRD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PRD.md")
	require.NoError(t, os.WriteFile(path, []byte("# x"), 0o644))

	errs := preflight(path, false)
	for _, e := range errs {
		assert.NotContains(t, e, "unreadable PRD")
	}
}

func TestParsePhaseFilterBuildsSetOrNilWhenEmpty(t *testing.T) {
	assert.Nil(t, parsePhaseFilter(nil))

	set := parsePhaseFilter([]float64{1, 3})
	assert.Equal(t, map[float64]bool{1: true, 3: true}, set)
}

func TestApplyFlagOverridesOnlyTouchesSetFields(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 4000

	applyFlagOverrides(&cfg, "", false, "", false, false, 0, "", "", "", "", "", false, false)
	assert.Equal(t, 4000, cfg.Port, "zero-value flags must not clobber an existing config value")

	applyFlagOverrides(&cfg, "./PRD.md", true, "1,2", true, true, 5000, "quick", "budget", "slack", "https://example.com", "/bin/true", true, true)
	assert.Equal(t, "./PRD.md", cfg.PRDPath)
	assert.True(t, cfg.Resume)
	assert.Equal(t, []float64{1, 2}, cfg.Phases)
	assert.True(t, cfg.SkipDiscuss)
	assert.True(t, cfg.SkipVerify)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "quick", cfg.Depth)
	assert.Equal(t, "budget", cfg.Model)
	assert.Equal(t, "slack", cfg.Notify)
	assert.Equal(t, "https://example.com", cfg.WebhookURL)
	assert.Equal(t, "/bin/true", cfg.AdapterPath)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.Quiet)
}

func TestLoadCandidatesSkipsParsingOnResumeOrMissingPRD(t *testing.T) {
	cfg := config.Default()
	cfg.Resume = true
	phases, err := loadCandidates(cfg)
	require.NoError(t, err)
	assert.Nil(t, phases)

	cfg2 := config.Default()
	phases, err = loadCandidates(cfg2)
	require.NoError(t, err)
	assert.Nil(t, phases)
}

func TestLoadCandidatesParsesPRDOnFreshRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PRD.md")
	require.NoError(t, os.WriteFile(path, []byte("## Step one\n## Step two\n"), 0o644))

	cfg := config.Default()
	cfg.PRDPath = path
	phases, err := loadCandidates(cfg)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, "Step one", phases[0].Name)
}

func join(errs []string) string {
	out := ""
	for _, e := range errs {
		out += e + "\n"
	}
	return out
}
