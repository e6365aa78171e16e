package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimal = `
server:
  addr: ":8080"
auth:
  jwt_secret: "dev-secret"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	require.Equal(t, ModeLedger, cfg.Settlement.Mode)
	require.Equal(t, "USD", cfg.Currency.Code)
	require.Equal(t, 2, cfg.Currency.Decimals)
	require.Equal(t, int64(5), cfg.Worker.IntervalSeconds)
	require.Equal(t, uint64(21000), cfg.Chain.GasLimit)
	require.Equal(t, "farm-escrow", cfg.Service)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("DB_DSN", "postgres://escrow@localhost/escrow")
	t.Setenv("SETTLEMENT_MODE", "EVM")
	t.Setenv("RPC_ENDPOINTS", " http://a:8545, ,http://b:8545 ")
	t.Setenv("SETTLEMENT_PRIVATE_KEY", "0xabc")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("CONFIRMATIONS", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")

	cfg, err := Parse([]byte(minimal + "rate_limit:\n  burst: 7\n"))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "postgres://escrow@localhost/escrow", cfg.DB.DSN)
	require.Equal(t, ModeEVM, cfg.Settlement.Mode)
	require.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Chain.RPCEndpoints)
	require.Equal(t, int64(31337), cfg.Chain.ChainID)
	require.Equal(t, uint64(3), cfg.Chain.Confirmations)
	require.Equal(t, 2.5, cfg.RateLimit.RPS)
	require.Equal(t, 7, cfg.RateLimit.Burst)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"missing addr":    "auth:\n  jwt_secret: x\n",
		"missing secret":  "server:\n  addr: \":1\"\n",
		"evm without rpc": minimal + "settlement:\n  mode: evm\n",
		"unknown mode":    minimal + "settlement:\n  mode: paypal\n",
		"bad format":      minimal + "wallet:\n  format: base58\n",
		"bad decimals":    minimal + "currency:\n  code: XYZ\n  decimals: 30\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFromConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
