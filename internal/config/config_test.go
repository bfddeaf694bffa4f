package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "pairs:\n  - BTCUSDT\n  - ETHUSDT\n  - SOLUSDT\nmaxConnectionsPerMinute: 20\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.Pairs)
	assert.Equal(t, 20, cfg.MaxConnectionsPerMinute)
	assert.Equal(t, 30_000, cfg.CoreSaveIntervalMs)
}

func TestStreamConfigFallsBackToDefaultInterval(t *testing.T) {
	cfg := Default()
	cfg.UpdateInterval = "bogus"
	sc := cfg.StreamConfig()
	assert.Equal(t, "1000ms", string(sc.UpdateInterval))
}
