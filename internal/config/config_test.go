package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_PATH", "STELLAR_NETWORK", "HORIZON_URL", "SOROBAN_RPC_URL", "NETWORK_PASSPHRASE", "FRIENDBOT_URL",
		"ASSET_CODE", "ASSET_ISSUER", "TOKEN_CONTRACT",
		"PLATFORM_WALLET", "COMMISSION_PERCENT", "SUBMIT_TIMEOUT_SECONDS",
		"ESCROW_CONTRACT_ADDRESS", "ESCROW_SIMULATION_SOURCE", "ESCROW_BACKEND",
		"SIGNING_AGENT_URL",
		"API_HTTP_PORT", "HMAC_SECRET", "HMAC_CLOCK_SKEW_SECONDS", "IDEMPOTENCY_WINDOW_SECONDS",
		"STORE_BACKEND", "STORE_PATH", "DATABASE_URL", "RECONCILE_DIR",
		"RATE_LIMIT_BURST", "RATE_LIMIT_RPS", "TRUST_PROXY_HEADERS", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, NetworkTestnet, cfg.Network.Name)
	require.Equal(t, "https://horizon-testnet.stellar.org", cfg.Network.HorizonURL)
	require.Equal(t, "https://soroban-testnet.stellar.org", cfg.Network.SorobanRPCURL)
	require.Equal(t, "Test SDF Network ; September 2015", cfg.Network.Passphrase)
	require.Equal(t, "https://friendbot.stellar.org", cfg.Network.FriendbotURL)
	require.Equal(t, "USDC", cfg.Asset.Code)
	require.Equal(t, USDCIssuer, cfg.Asset.Issuer)
	require.True(t, cfg.Payment.CommissionRate.Equal(decimal.NewFromInt(5)))
	require.Equal(t, 30*time.Second, cfg.Payment.SubmitTimeout)
	require.Equal(t, "soroban", cfg.Escrow.Backend)
	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.Equal(t, "file", cfg.Service.StoreBackend)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STELLAR_NETWORK", "public")
	t.Setenv("COMMISSION_PERCENT", "2.5")
	t.Setenv("SUBMIT_TIMEOUT_SECONDS", "45")
	t.Setenv("API_HTTP_PORT", "8080")
	t.Setenv("HORIZON_URL", "http://horizon.local")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_RPS", "0")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, NetworkPublic, cfg.Network.Name)
	require.Equal(t, "http://horizon.local", cfg.Network.HorizonURL)
	require.Equal(t, "https://soroban-rpc.mainnet.stellar.org", cfg.Network.SorobanRPCURL)
	require.Equal(t, "Public Global Stellar Network ; September 2015", cfg.Network.Passphrase)
	require.Empty(t, cfg.Network.FriendbotURL)
	require.Equal(t, "2.5", cfg.Payment.CommissionRate.String())
	require.Equal(t, 45*time.Second, cfg.Payment.SubmitTimeout)
	require.Equal(t, 8080, cfg.Service.HTTPPort)
	require.Equal(t, "memory", cfg.Service.StoreBackend)
	require.Zero(t, cfg.Service.RateLimit)
	require.True(t, cfg.Service.TrustProxyHeaders)
}

func TestLoadYAMLFileUnderEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
payment:
  platformWallet: GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN
  commissionPercent: "7"
escrow:
  contractAddress: CAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB6N4O
  backend: memory
service:
  httpPort: 9000
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("API_HTTP_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, USDCIssuer, cfg.Payment.PlatformWallet)
	require.Equal(t, "7", cfg.Payment.CommissionRate.String())
	require.Equal(t, "CAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB6N4O", cfg.Escrow.ContractAddress)
	require.Equal(t, "memory", cfg.Escrow.Backend)
	require.Equal(t, 9100, cfg.Service.HTTPPort, "environment wins over the file")
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown network":        {"STELLAR_NETWORK": "FUTURENET"},
		"rate above 100":         {"COMMISSION_PERCENT": "101"},
		"negative rate":          {"COMMISSION_PERCENT": "-1"},
		"malformed rate":         {"COMMISSION_PERCENT": "five"},
		"postgres without dsn":   {"STORE_BACKEND": "postgres"},
		"unknown store backend":  {"STORE_BACKEND": "redis"},
		"unknown escrow backend": {"ESCROW_BACKEND": "evm"},
		"credit asset no issuer": {"ASSET_CODE": "EURC", "ASSET_ISSUER": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if name == "credit asset no issuer" {
				// An empty variable falls back to the default issuer, so go
				// through the file to blank it.
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte("asset:\n  issuer: \"\"\n"), 0o600))
				t.Setenv("CONFIG_PATH", path)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestValidateAcceptsNativeAsset(t *testing.T) {
	cfg := defaults()
	cfg.Asset = AssetConfig{Code: "XLM"}
	require.NoError(t, cfg.resolve())
	require.NoError(t, cfg.Validate())
}
