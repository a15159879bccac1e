package strand

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:9090"
workers: 4
idle_timeout: 90s
accept_rate: 2.5
restart:
  initial_delay: 250ms
  budget: 9
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 2.5, cfg.AcceptRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Restart.InitialDelay)
	assert.Equal(t, 9, cfg.Restart.Budget)

	// keys absent from the file keep their defaults
	def := DefaultConfig()
	assert.Equal(t, def.MaxConns, cfg.MaxConns)
	assert.Equal(t, def.MaxRequestBytes, cfg.MaxRequestBytes)
	assert.Equal(t, def.Restart.MaxDelay, cfg.Restart.MaxDelay)
	assert.Equal(t, def.Restart.Multiplier, cfg.Restart.Multiplier)
}

func TestLoadConfigSkipsMissingCandidates(t *testing.T) {
	cfg, err := LoadConfig("/does/not/exist.yaml", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
}

func TestLoadConfigFirstCandidateWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(first, []byte("workers: 2\n"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("workers: 7\n"), 0o644))

	cfg, err := LoadConfig(first, second)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoadFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idle_timeout: banana\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("STRAND_LISTEN", "127.0.0.1:7070")
	t.Setenv("STRAND_WORKERS", "3")
	t.Setenv("STRAND_DRAIN_GRACE", "5s")
	t.Setenv("STRAND_ACCEPT_RATE", "1.5")
	t.Setenv("STRAND_RESTART_BUDGET", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.DrainGrace)
	assert.Equal(t, 1.5, cfg.AcceptRate)
	assert.Equal(t, 2, cfg.Restart.Budget)
}

func TestApplyEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 4\n"), 0o644))
	t.Setenv("STRAND_WORKERS", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
}

func TestApplyEnvBadValue(t *testing.T) {
	t.Setenv("STRAND_WORKERS", "many")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRAND_WORKERS")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"tiny request limit", func(c *Config) { c.MaxRequestBytes = 16 }},
		{"zero max conns", func(c *Config) { c.MaxConns = 0 }},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
		{"negative idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"zero initial delay", func(c *Config) { c.Restart.InitialDelay = 0 }},
		{"max delay below initial", func(c *Config) { c.Restart.MaxDelay = time.Millisecond }},
		{"multiplier below one", func(c *Config) { c.Restart.Multiplier = 0.5 }},
		{"zero budget", func(c *Config) { c.Restart.Budget = 0 }},
		{"zero budget window", func(c *Config) { c.Restart.BudgetWindow = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
