package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/exchange"
rates:
  price_endpoints: ["https://ticker.example.com"]
  rate_endpoint: "https://rates.example.com"
  currencies: ["HKD", "MYR"]
chains:
  BTC:
    rpc_endpoints: ["http://localhost:26657"]
    denom: "ubtc"
    decimals: 8
    bech32_prefix: "btc"
    xpub: "xpub-test"
orders:
  ttl_minutes: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, []string{"HKD", "MYR"}, cfg.Rates.Currencies)
	require.Equal(t, "ubtc", cfg.Chains["BTC"].Denom)
	require.Equal(t, 10, cfg.Orders.TTLMinutes)
	// Defaults fill what the file leaves out.
	require.Equal(t, 24*60, cfg.Orders.UnderpaidGraceMinutes)
	require.Equal(t, 60, cfg.Rates.RefreshSeconds)
	require.Equal(t, 30, cfg.Worker.IntervalSeconds)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://override/exchange")
	t.Setenv("ORDER_TTL_MINUTES", "5")
	t.Setenv("BTC_XPUB", "xpub-from-env")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	require.Equal(t, "postgres://override/exchange", cfg.DB.DSN)
	require.Equal(t, 5, cfg.Orders.TTLMinutes)
	require.Equal(t, "xpub-from-env", cfg.Chains["BTC"].XPub)
}

func TestLoadRejectsIncompleteChain(t *testing.T) {
	broken := `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/exchange"
rates:
  price_endpoints: ["https://ticker.example.com"]
  rate_endpoint: "https://rates.example.com"
  currencies: ["HKD"]
chains:
  ETH:
    denom: "ueth"
    decimals: 8
`
	_, err := Load(writeConfig(t, broken))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ETH")
}

func TestLoadRequiresServerAddr(t *testing.T) {
	_, err := Load(writeConfig(t, "db:\n  dsn: x\n"))
	require.Error(t, err)
}
