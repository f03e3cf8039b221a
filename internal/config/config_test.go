package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Settlement.EscrowBufferPercent)
	require.Equal(t, 95, cfg.Settlement.LogisticsShare)
	require.Equal(t, "@every 5m", cfg.Settlement.ReconcileSchedule)
	require.True(t, cfg.Ledger.TestFundsEnabled)
}

func TestLoadFromPathParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 5s
ledger:
  rpc_url: https://rpc.example.test
  transfer_fee_units: 2000
settlement:
  escrow_buffer_percent: 10
  logistics_share_percent: 90
`), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	require.Equal(t, "https://rpc.example.test", cfg.Ledger.RPCURL)
	require.Equal(t, int64(2000), cfg.Ledger.TransferFeeUnits)
	require.Equal(t, 10, cfg.Settlement.EscrowBufferPercent)
	require.Equal(t, 90, cfg.Settlement.LogisticsShare)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://env/db")
	t.Setenv("CREDENTIAL_SECRET", "env-secret")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "postgres://env/db", cfg.Database.DSN)
	require.Equal(t, "env-secret", cfg.Settlement.CredentialSecret)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadShares(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settlement:
  logistics_share_percent: 120
`), 0o600))

	_, err := LoadFromPath(path)
	require.Error(t, err)
}
