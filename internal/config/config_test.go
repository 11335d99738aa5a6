package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultUsesInvokingUser(t *testing.T) {
	cfg := Default()
	assert.Equal(t, os.Getuid(), cfg.HostUID)
	assert.Equal(t, os.Getgid(), cfg.HostGID)
	assert.Equal(t, "cbr0", cfg.BridgeName)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MYDOCKER_RUNTIME_ROOT", "/tmp/custom-root")
	t.Setenv("MYDOCKER_BRIDGE_NAME", "")

	cfg := Default()
	assert.Equal(t, "/tmp/custom-root", cfg.RuntimeRoot)
	assert.Equal(t, "cbr0", cfg.BridgeName, "empty env value should not override the default")
}
