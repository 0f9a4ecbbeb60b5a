// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, "127.0.0.1:7000", Cfg.Cluster.Address)
	assert.Equal(t, 4, Cfg.Dispatch.Workers)
	assert.Equal(t, "mem", Cfg.Emulator.Backend)
	assert.Equal(t, 3*time.Second, Cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, Cfg.IOTimeout)
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[cluster]
address = "10.0.0.1:7000"
io_timeout = 5

[dispatch]
workers = 2

[emulator]
backend = "s3"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("SHEEPVOL_CLUSTER_DIALRETRIES", "9")

	require.NoError(t, Configure(path))

	assert.Equal(t, "10.0.0.1:7000", Cfg.Cluster.Address)
	assert.Equal(t, 5*time.Second, Cfg.IOTimeout)
	assert.Equal(t, uint(9), Cfg.Cluster.DialRetries)
	assert.Equal(t, 2, Cfg.Dispatch.Workers)
	assert.Equal(t, "s3", Cfg.Emulator.Backend)
}

func TestUsage(t *testing.T) {
	var b bytes.Buffer
	Usage(&b)

	assert.Contains(t, b.String(), "SHEEPVOL_CLUSTER_ADDRESS")
}
