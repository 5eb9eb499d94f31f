package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/credit-engine/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credit.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "credit.db", cfg.Server.DBPath)
	assert.Equal(t, config.WindowRolling, cfg.SNC.Window)
	assert.Equal(t, 30, cfg.SNC.PeriodDays)
	assert.Equal(t, 1, cfg.SNC.FreeAllowance)
	assert.True(t, cfg.Overdraft.Enabled)
	assert.Equal(t, 120, cfg.Overdraft.HazardGraceMinutes)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
}

func TestLoad_MissingFile_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_EmptyPath_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_OverridesOverDefaults(t *testing.T) {
	// GIVEN: A file setting only some keys
	// WHEN: Loading
	// THEN: Set keys override, unset keys keep their defaults

	path := writeConfig(t, `
[server]
port = 9090

[snc]
window = "lifetime"
free_allowance = 2

[overdraft]
enabled = false
hazard_grace_minutes = 0
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "credit.db", cfg.Server.DBPath, "unset key keeps default")
	assert.Equal(t, config.WindowLifetime, cfg.SNC.Window)
	assert.Equal(t, 2, cfg.SNC.FreeAllowance)
	assert.False(t, cfg.Overdraft.Enabled)
	assert.Equal(t, 0, cfg.Overdraft.HazardGraceMinutes)
}

func TestLoad_Malformed_Error(t *testing.T) {
	path := writeConfig(t, `[server
port = `)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown window", func(c *config.Config) { c.SNC.Window = "fortnightly" }},
		{"rolling without period", func(c *config.Config) { c.SNC.PeriodDays = 0 }},
		{"negative allowance", func(c *config.Config) { c.SNC.FreeAllowance = -1 }},
		{"negative grace", func(c *config.Config) { c.Overdraft.HazardGraceMinutes = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_LifetimeWindowIgnoresPeriod(t *testing.T) {
	cfg := config.Default()
	cfg.SNC.Window = config.WindowLifetime
	cfg.SNC.PeriodDays = 0
	assert.NoError(t, cfg.Validate())
}
