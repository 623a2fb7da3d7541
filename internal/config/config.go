// Package config loads the DCA engine's configuration from environment
// variables, following the same GetEnvXxx-per-key validation pattern as the
// intent fulfiller this engine is descended from.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ArbitrumChainID is the only chain this engine executes against.
	ArbitrumChainID = 42161

	DefaultArbitrumRPCURL = "https://arb1.arbitrum.io/rpc"

	DefaultSchedulerIntervalSeconds = 60
	DefaultMaxConcurrentExecutions  = 50
	DefaultRetryAttempts            = 3
	DefaultRetryDelayMs             = 2000

	DefaultMCPToolTimeoutMs    = 120000
	DefaultMCPConnectionTimeout = 60000

	DefaultGasMultiplier = 1.1

	DefaultCircuitBreakerEnabled   = true
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerWindowSec = 30
	DefaultCircuitBreakerResetSec  = 60

	// VaultKindERC4626 selects the ERC-4626 deposit/redeem form in internal/vault.
	VaultKindERC4626 = "erc4626"
	// VaultKindSimple selects the non-standard deposit(amount)/withdraw(shares) form in internal/vault.
	VaultKindSimple = "simple"
)

// VaultConfig describes an optional post-swap vault deposit target for a
// given destination token symbol.
type VaultConfig struct {
	TokenSymbol string
	Address     string
	Kind        string // VaultKindERC4626 or VaultKindSimple
}

// Config is the fully resolved, validated engine configuration.
type Config struct {
	DatabaseURL string

	ArbitrumRPCURL string
	PrivateKey     string
	RouterAddress  string
	GasMultiplier  float64

	QuoteServiceURL        string
	MCPToolTimeout         time.Duration
	MCPConnectionTimeout   time.Duration

	EnableScheduler          bool
	SchedulerInterval        time.Duration
	MaxConcurrentExecutions  int
	RetryAttempts            int
	RetryDelay               time.Duration

	EnableMetrics bool
	MetricsPort   string

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration
	CircuitBreakerReset     time.Duration

	MaxGasPrice *big.Int

	Vault *VaultConfig // nil disables vault integration entirely
}

// Load reads and validates configuration from the environment, loading a
// .env file first if one is present (missing .env is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	var err error

	if cfg.ArbitrumRPCURL, err = getEnvString("ARBITRUM_RPC_URL", DefaultArbitrumRPCURL); err != nil {
		return nil, err
	}
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	if cfg.RouterAddress, err = requireEnvIfSchedulerEnabled("ROUTER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.GasMultiplier, err = getEnvFloat("GAS_MULTIPLIER", DefaultGasMultiplier); err != nil {
		return nil, err
	}

	cfg.QuoteServiceURL = os.Getenv("EMBER_MCP_SERVER_URL")
	if cfg.MCPToolTimeout, err = getEnvDurationMs("MCP_TOOL_TIMEOUT_MS", DefaultMCPToolTimeoutMs); err != nil {
		return nil, err
	}
	if cfg.MCPConnectionTimeout, err = getEnvDurationMs("MCP_CONNECTION_TIMEOUT", DefaultMCPConnectionTimeout); err != nil {
		return nil, err
	}

	if cfg.EnableScheduler, err = getEnvBool("ENABLE_SCHEDULER", true); err != nil {
		return nil, err
	}
	var intervalSec int
	if intervalSec, err = getEnvInt("SCHEDULER_INTERVAL_SECONDS", DefaultSchedulerIntervalSeconds); err != nil {
		return nil, err
	}
	cfg.SchedulerInterval = time.Duration(intervalSec) * time.Second

	if cfg.MaxConcurrentExecutions, err = getEnvInt("MAX_CONCURRENT_EXECUTIONS", DefaultMaxConcurrentExecutions); err != nil {
		return nil, err
	}
	cfg.RetryAttempts = DefaultRetryAttempts
	cfg.RetryDelay = time.Duration(DefaultRetryDelayMs) * time.Millisecond

	if cfg.EnableMetrics, err = getEnvBool("ENABLE_METRICS", true); err != nil {
		return nil, err
	}
	if cfg.MetricsPort, err = getEnvString("METRICS_PORT", "8080"); err != nil {
		return nil, err
	}

	if cfg.CircuitBreakerEnabled, err = getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled); err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerThreshold, err = getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold); err != nil {
		return nil, err
	}
	var windowSec, resetSec int
	if windowSec, err = getEnvInt("CIRCUIT_BREAKER_WINDOW_SECONDS", DefaultCircuitBreakerWindowSec); err != nil {
		return nil, err
	}
	cfg.CircuitBreakerWindow = time.Duration(windowSec) * time.Second
	if resetSec, err = getEnvInt("CIRCUIT_BREAKER_RESET_SECONDS", DefaultCircuitBreakerResetSec); err != nil {
		return nil, err
	}
	cfg.CircuitBreakerReset = time.Duration(resetSec) * time.Second

	maxGasPriceStr, err := getEnvString("MAX_GAS_PRICE", "1000000000000") // 1000 gwei
	if err != nil {
		return nil, err
	}
	maxGasPrice, ok := new(big.Int).SetString(maxGasPriceStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s", maxGasPriceStr)
	}
	cfg.MaxGasPrice = maxGasPrice

	if vaultAddr := os.Getenv("VAULT_ADDRESS"); vaultAddr != "" {
		kind := os.Getenv("VAULT_KIND")
		if kind == "" {
			kind = VaultKindERC4626
		}
		if kind != VaultKindERC4626 && kind != VaultKindSimple {
			return nil, fmt.Errorf("invalid VAULT_KIND %q, expected %q or %q", kind, VaultKindERC4626, VaultKindSimple)
		}
		symbol := os.Getenv("VAULT_TOKEN_SYMBOL")
		if symbol == "" {
			return nil, fmt.Errorf("VAULT_TOKEN_SYMBOL is required when VAULT_ADDRESS is set")
		}
		cfg.Vault = &VaultConfig{TokenSymbol: symbol, Address: vaultAddr, Kind: kind}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EnableScheduler && c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required when the scheduler is enabled")
	}
	if c.EnableScheduler && c.RouterAddress == "" {
		return fmt.Errorf("ROUTER_ADDRESS is required when the scheduler is enabled")
	}
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_EXECUTIONS must be positive")
	}
	return nil
}

func getEnvString(key, def string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return v, nil
}

func requireEnvIfSchedulerEnabled(key string) (string, error) {
	return os.Getenv(key), nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return b, nil
}

func getEnvDurationMs(key string, defMs int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMs) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
