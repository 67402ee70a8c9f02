package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, time.Second, cfg.DiscoveryInterval)
	require.Equal(t, 5*time.Second, cfg.HBTimeout)
	require.Equal(t, 4096, cfg.BufSize)
	require.Equal(t, "224.1.1.1:5007", cfg.MulticastAddr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HB_INTERVAL", "250ms")
	t.Setenv("BUF", "8192")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.HBInterval)
	require.Equal(t, 8192, cfg.BufSize)
	// untouched values keep their defaults
	require.Equal(t, 5*time.Second, cfg.DiscoveryTimeout)
}

func TestFromEnvInvalidDuration(t *testing.T) {
	t.Setenv("HB_INTERVAL", "not-a-duration")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestLoadClusterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - 127.0.0.1:6001\n  - 127.0.0.1:6002\n"), 0o644))

	cf, err := LoadClusterFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:6001", "127.0.0.1:6002"}, cf.Peers)
}

func TestLoadClusterFileEmptyPath(t *testing.T) {
	cf, err := LoadClusterFile("")
	require.NoError(t, err)
	require.Nil(t, cf.Peers)
}
