package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gate-fs/gate/pkg/config"
)

func TestNewRootCommandRegistersFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"config", "root", "mount", "broker-host", "broker-port", "broker-socket", "foreground", "allow-other", "release-on-flush"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "expected --%s to be registered", name)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := &config.ProxyConfig{Root: "/orig", BrokerHost: "orig-host"}
	f := &flags{root: "/new", brokerHost: "new-host", releaseOnFlush: true}
	applyFlagOverrides(cfg, f)

	assert.Equal(t, "/new", cfg.Root)
	assert.Equal(t, "new-host", cfg.BrokerHost)
	assert.True(t, cfg.ReleaseOnFlush)
}

func TestBrokerClientPrefersSocket(t *testing.T) {
	cfg := config.ProxyConfig{BrokerSocket: "/tmp/gate.sock", BrokerHost: "127.0.0.1", BrokerPort: 7420}
	client := brokerClient(cfg)
	assert.NotNil(t, client)
}
