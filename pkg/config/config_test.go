package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/internal/bytesize"
)

func TestLoadBrokerConfigDefaults(t *testing.T) {
	cfg, err := LoadBrokerConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 7420, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.LeaseMS)
	assert.Equal(t, time.Hour, cfg.MaxHoldMS)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 64*bytesize.MiB, cfg.Store.MemTableSize)
}

func TestLoadBrokerConfigParsesMemTableSizeOverride(t *testing.T) {
	t.Setenv("GATE_STORE_MEM_TABLE_SIZE", "128Mi")

	cfg, err := LoadBrokerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 128*bytesize.MiB, cfg.Store.MemTableSize)
}

func TestLoadBrokerConfigEnvOverride(t *testing.T) {
	t.Setenv("GATE_BROKER_PORT", "9000")
	t.Setenv("GATE_LEASE_MS", "5000")

	cfg, err := LoadBrokerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.LeaseMS)
}

func TestLoadProxyConfigRequiresMountDir(t *testing.T) {
	// Root/MountDir have no defaults and are required; no env set, no file.
	_, err := LoadProxyConfig("")
	require.Error(t, err)
}

func TestLoadProxyConfigReleaseOnFlushToggle(t *testing.T) {
	t.Setenv("GATE_RELEASE_ON_FLUSH", "1")

	_, err := LoadProxyConfig("")
	require.Error(t, err) // still missing required root/mount_dir

	path := filepath.Join(t.TempDir(), "mount.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: /srv/repo\nmount_dir: /mnt/repo\n"), 0o644))
	cfg, err := LoadProxyConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.ReleaseOnFlush)
}
