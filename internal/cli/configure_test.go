package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstrand/hermod/internal/config"
)

func TestConfigureWritesDefaultConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hermod.json")

	prev := cfgFile
	cfgFile = configPath
	defer func() { cfgFile = prev }()

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"configure"})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestConfigureRefusesToOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hermod.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	prev := cfgFile
	cfgFile = configPath
	defer func() { cfgFile = prev }()

	prevForce := configureForce
	configureForce = false
	defer func() { configureForce = prevForce }()

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"configure"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "already exists")
}

func TestConfigureForceOverwrites(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hermod.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	prev := cfgFile
	cfgFile = configPath
	defer func() { cfgFile = prev }()

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"configure", "--force"})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "heartbeat")
}
