package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
register:
  id: "register-1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "register-1", cfg.Register.ID)
	require.Equal(t, ModeStandalone, cfg.LAN.Mode)
	require.Equal(t, 30*time.Second, cfg.Outbox.Backoff.GetBaseDelay())
	require.Equal(t, 5*time.Minute, cfg.Outbox.Backoff.GetMaxDelay())
	require.Equal(t, time.Minute, cfg.OrderSync.Backoff.GetBaseDelay())
	require.Equal(t, 15*time.Minute, cfg.OrderSync.Backoff.GetMaxDelay())
	require.Equal(t, 5, cfg.OrderSync.MaxRetries)
	require.Equal(t, "@every 30s", cfg.Trigger.Interval)
	require.Equal(t, 1000, cfg.LAN.BufferSize)
}

func TestLoadConfigRequiresRegisterID(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
register:
  id: "register-1"
lan:
  mode: "mesh"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRequiresSharedSecretForLAN(t *testing.T) {
	path := writeConfig(t, `
register:
  id: "register-1"
lan:
  mode: "client"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigClientMode(t *testing.T) {
	path := writeConfig(t, `
register:
  id: "register-2"
lan:
  mode: "client"
  shared_secret: "lan-secret"
  candidates:
    - "192.168.1.10:8099"
    - "192.168.1.11:8099"
  poll_min: "250ms"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ModeClient, cfg.LAN.Mode)
	require.Len(t, cfg.LAN.Candidates, 2)
	require.Equal(t, 250*time.Millisecond, cfg.LAN.GetPollMin())
	require.Equal(t, 15*time.Second, cfg.LAN.GetPollMax())
}
