package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/network"
	"gopkg.in/yaml.v3"
)

const (
	NetworkTestnet = "TESTNET"
	NetworkPublic  = "PUBLIC"

	// USDCIssuer is Circle's USDC issuing account.
	USDCIssuer = "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"
)

// networkDefaults holds the well-known endpoints per network selector.
var networkDefaults = map[string]NetworkConfig{
	NetworkTestnet: {
		Name:          NetworkTestnet,
		HorizonURL:    "https://horizon-testnet.stellar.org",
		SorobanRPCURL: "https://soroban-testnet.stellar.org",
		Passphrase:    network.TestNetworkPassphrase,
		FriendbotURL:  "https://friendbot.stellar.org",
	},
	NetworkPublic: {
		Name:          NetworkPublic,
		HorizonURL:    "https://horizon.stellar.org",
		SorobanRPCURL: "https://soroban-rpc.mainnet.stellar.org",
		Passphrase:    network.PublicNetworkPassphrase,
	},
}

// AppConfig is resolved once at process start.
type AppConfig struct {
	Network NetworkConfig `yaml:"network"`
	Asset   AssetConfig   `yaml:"asset"`
	Payment PaymentConfig `yaml:"payment"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Service ServiceConfig `yaml:"service"`
}

type NetworkConfig struct {
	Name          string `yaml:"name"`
	HorizonURL    string `yaml:"horizonUrl"`
	SorobanRPCURL string `yaml:"sorobanRpcUrl"`
	Passphrase    string `yaml:"passphrase"`
	FriendbotURL  string `yaml:"friendbotUrl"`
}

type AssetConfig struct {
	Code   string `yaml:"code"`
	Issuer string `yaml:"issuer"`
	// TokenContract is the asset's contract address, passed to the escrow
	// contract as the token to lock.
	TokenContract string `yaml:"tokenContract"`
}

type PaymentConfig struct {
	PlatformWallet    string          `yaml:"platformWallet"`
	CommissionPercent string          `yaml:"commissionPercent"`
	CommissionRate    decimal.Decimal `yaml:"-"`
	SubmitTimeout     time.Duration   `yaml:"submitTimeout"`
}

type EscrowConfig struct {
	ContractAddress  string `yaml:"contractAddress"`
	SimulationSource string `yaml:"simulationSource"`
	// Backend is "soroban" or "memory".
	Backend string `yaml:"backend"`
}

type WalletConfig struct {
	AgentURL       string        `yaml:"agentUrl"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	HMACSecret        string        `yaml:"hmacSecret"`
	HMACClockSkew     time.Duration `yaml:"hmacClockSkew"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	// StoreBackend is "memory", "file", "leveldb" or "postgres".
	StoreBackend string  `yaml:"storeBackend"`
	StorePath    string  `yaml:"storePath"`
	DatabaseURL  string  `yaml:"databaseUrl"`
	ReconcileDir string  `yaml:"reconcileDir"`
	RateLimit    float64 `yaml:"rateLimit"`
	RateBurst    int     `yaml:"rateBurst"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool   `yaml:"trustProxyHeaders"`
	LogLevel          string `yaml:"logLevel"`
	LogFormat         string `yaml:"logFormat"`
}

// Load reads the optional YAML file named by CONFIG_PATH, overlays the
// environment and fills per-network defaults.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if path := envOr("CONFIG_PATH", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *AppConfig {
	tmp := os.TempDir()
	return &AppConfig{
		Network: NetworkConfig{Name: NetworkTestnet},
		Asset:   AssetConfig{Code: "USDC", Issuer: USDCIssuer},
		Payment: PaymentConfig{CommissionPercent: "5", SubmitTimeout: 30 * time.Second},
		Escrow:  EscrowConfig{Backend: "soroban"},
		Wallet: WalletConfig{
			AgentURL:       "http://localhost:8787",
			ProbeTimeout:   3 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Service: ServiceConfig{
			HTTPPort:          3000,
			HMACClockSkew:     60 * time.Second,
			IdempotencyWindow: 24 * time.Hour,
			StoreBackend:      "file",
			StorePath:         filepath.Join(tmp, "craftnexus-store.json"),
			ReconcileDir:      filepath.Join(tmp, "craftnexus-reconcile"),
			RateLimit:         10,
			RateBurst:         20,
			LogLevel:          "info",
			LogFormat:         "json",
		},
	}
}

func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	cfg.Network.Name = strings.ToUpper(envOr("STELLAR_NETWORK", cfg.Network.Name))
	cfg.Network.HorizonURL = envOr("HORIZON_URL", cfg.Network.HorizonURL)
	cfg.Network.SorobanRPCURL = envOr("SOROBAN_RPC_URL", cfg.Network.SorobanRPCURL)
	cfg.Network.Passphrase = envOr("NETWORK_PASSPHRASE", cfg.Network.Passphrase)
	cfg.Network.FriendbotURL = envOr("FRIENDBOT_URL", cfg.Network.FriendbotURL)

	cfg.Asset.Code = envOr("ASSET_CODE", cfg.Asset.Code)
	cfg.Asset.Issuer = envOr("ASSET_ISSUER", cfg.Asset.Issuer)
	cfg.Asset.TokenContract = envOr("TOKEN_CONTRACT", cfg.Asset.TokenContract)

	cfg.Payment.PlatformWallet = envOr("PLATFORM_WALLET", cfg.Payment.PlatformWallet)
	cfg.Payment.CommissionPercent = envOr("COMMISSION_PERCENT", cfg.Payment.CommissionPercent)
	cfg.Payment.SubmitTimeout = envOrSeconds("SUBMIT_TIMEOUT_SECONDS", cfg.Payment.SubmitTimeout)

	cfg.Escrow.ContractAddress = envOr("ESCROW_CONTRACT_ADDRESS", cfg.Escrow.ContractAddress)
	cfg.Escrow.SimulationSource = envOr("ESCROW_SIMULATION_SOURCE", cfg.Escrow.SimulationSource)
	cfg.Escrow.Backend = envOr("ESCROW_BACKEND", cfg.Escrow.Backend)

	cfg.Wallet.AgentURL = envOr("SIGNING_AGENT_URL", cfg.Wallet.AgentURL)

	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkew)
	cfg.Service.IdempotencyWindow = envOrSeconds("IDEMPOTENCY_WINDOW_SECONDS", cfg.Service.IdempotencyWindow)
	cfg.Service.StoreBackend = envOr("STORE_BACKEND", cfg.Service.StoreBackend)
	cfg.Service.StorePath = envOr("STORE_PATH", cfg.Service.StorePath)
	cfg.Service.DatabaseURL = envOr("DATABASE_URL", cfg.Service.DatabaseURL)
	cfg.Service.ReconcileDir = envOr("RECONCILE_DIR", cfg.Service.ReconcileDir)
	cfg.Service.RateBurst = envOrInt("RATE_LIMIT_BURST", cfg.Service.RateBurst)
	if rps := envOrInt("RATE_LIMIT_RPS", -1); rps >= 0 {
		cfg.Service.RateLimit = float64(rps)
	}
	cfg.Service.TrustProxyHeaders = envOrBool("TRUST_PROXY_HEADERS", cfg.Service.TrustProxyHeaders)
	cfg.Service.LogLevel = envOr("LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Service.LogFormat = envOr("LOG_FORMAT", cfg.Service.LogFormat)
}

// resolve fills unset endpoints from the network defaults and parses the
// commission rate.
func (c *AppConfig) resolve() error {
	def, ok := networkDefaults[c.Network.Name]
	if !ok {
		return fmt.Errorf("unknown network %q (want %s or %s)", c.Network.Name, NetworkTestnet, NetworkPublic)
	}
	if c.Network.HorizonURL == "" {
		c.Network.HorizonURL = def.HorizonURL
	}
	if c.Network.SorobanRPCURL == "" {
		c.Network.SorobanRPCURL = def.SorobanRPCURL
	}
	if c.Network.Passphrase == "" {
		c.Network.Passphrase = def.Passphrase
	}
	if c.Network.FriendbotURL == "" {
		c.Network.FriendbotURL = def.FriendbotURL
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(c.Payment.CommissionPercent))
	if err != nil {
		return fmt.Errorf("commission percent %q: %w", c.Payment.CommissionPercent, err)
	}
	c.Payment.CommissionRate = rate
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *AppConfig) Validate() error {
	if _, ok := networkDefaults[c.Network.Name]; !ok {
		return fmt.Errorf("unknown network %q", c.Network.Name)
	}
	if c.Payment.CommissionRate.IsNegative() || c.Payment.CommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("commission percent %s out of range [0,100]", c.Payment.CommissionRate)
	}
	if c.Asset.Code == "" {
		return fmt.Errorf("asset code is required")
	}
	if c.Asset.Code != "XLM" && c.Asset.Issuer == "" {
		return fmt.Errorf("asset issuer is required for %s", c.Asset.Code)
	}
	switch c.Service.StoreBackend {
	case "memory", "file", "leveldb":
	case "postgres":
		if c.Service.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Service.StoreBackend)
	}
	switch c.Escrow.Backend {
	case "soroban", "memory":
	default:
		return fmt.Errorf("unknown escrow backend %q", c.Escrow.Backend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	if secs := envOrInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
