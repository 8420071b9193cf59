package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommandFlags(t *testing.T) {
	fg := startCmd.Flags().Lookup("foreground")
	require.NotNil(t, fg)
	assert.Equal(t, "true", fg.DefValue)
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hermod.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+dir+`"}`), 0644))

	// A PID file pointing at this test process looks like a live daemon.
	pidFile := filepath.Join(dir, "hermod.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

	prev := cfgFile
	cfgFile = configPath
	defer func() { cfgFile = prev }()

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"start"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "already running")
}
