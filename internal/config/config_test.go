package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Correlate.Window)
	assert.Equal(t, int64(100), cfg.Policy.BudgetCapacity)
	assert.Equal(t, "standard", cfg.Posture)
	assert.Equal(t, []string{"observe", "contain"}, cfg.Policy.EnabledLegalTags)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	content := `
posture: aggressive
correlate:
  window: 45s
policy:
  budget_capacity: 250
  action_costs:
    block: 9
federation:
  enabled: true
  peers: [node-b, node-c]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.Posture)
	assert.Equal(t, 45*time.Second, cfg.Correlate.Window)
	assert.Equal(t, int64(250), cfg.Policy.BudgetCapacity)
	assert.Equal(t, 9, cfg.Policy.ActionCosts["block"])
	assert.True(t, cfg.Federation.Enabled)
	assert.Equal(t, []string{"node-b", "node-c"}, cfg.Federation.Peers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 512, cfg.Respond.QueueSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	content := "posture: passive\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("BASTION_POSTURE", "paranoid")
	t.Setenv("BASTION_WINDOW", "90s")
	t.Setenv("BASTION_FEDERATION_PEERS", "node-x, node-y")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "paranoid", cfg.Posture)
	assert.Equal(t, 90*time.Second, cfg.Correlate.Window)
	assert.Equal(t, []string{"node-x", "node-y"}, cfg.Federation.Peers)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"zero window", func(c *Config) { c.Correlate.Window = 0 }},
		{"negative budget", func(c *Config) { c.Policy.BudgetCapacity = -1 }},
		{"zero replenish interval", func(c *Config) { c.Policy.ReplenishInterval = 0 }},
		{"zero entity buffer", func(c *Config) { c.Bus.PerEntityBuffer = 0 }},
		{"zero shards", func(c *Config) { c.Bus.Shards = 0 }},
		{"zero dispatch queue", func(c *Config) { c.Respond.QueueSize = 0 }},
		{"zero closed store", func(c *Config) { c.Store.MaxClosed = 0 }},
		{"zero store dedupe cap", func(c *Config) { c.Store.DedupeCap = 0 }},
		{"unknown posture", func(c *Config) { c.Posture = "yolo" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_UnreadableFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
