package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate-fs/gate/internal/bytesize"
	"github.com/gate-fs/gate/pkg/config"
)

func testBrokerConfig(backend string) config.BrokerConfig {
	cfg := config.BrokerConfig{StateDir: "/tmp/gate-test"}
	cfg.Store.Backend = backend
	return cfg
}

func TestNewRootCommandRegistersFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"config", "state-dir", "host", "port", "socket", "store", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "expected --%s to be registered", name)
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openStore(testBrokerConfig("bogus"))
	assert.Error(t, err)
}

func TestApplyFlagOverridesParsesMemTableSize(t *testing.T) {
	cfg := testBrokerConfig("badger")
	f := &flags{memTableSize: "128Mi"}
	require.NoError(t, applyFlagOverrides(&cfg, f))
	assert.Equal(t, 128*bytesize.MiB, cfg.Store.MemTableSize)
}

func TestApplyFlagOverridesRejectsInvalidMemTableSize(t *testing.T) {
	cfg := testBrokerConfig("badger")
	f := &flags{memTableSize: "not-a-size"}
	assert.Error(t, applyFlagOverrides(&cfg, f))
}
