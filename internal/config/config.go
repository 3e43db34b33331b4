// Package config provides centralized configuration for the wallet daemon.
// Fees, endpoints, timeouts and backends are defined here and passed to the
// services that need them; nothing else reads files or the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Environment overrides applied by ApplyEnv.
const (
	EnvExplorerToken = "LTCWALLET_EXPLORER_TOKEN"
	EnvRedisPassword = "LTCWALLET_REDIS_PASSWORD"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the wallet daemon.
type Config struct {
	// Network is mainnet or testnet.
	Network chain.Network `yaml:"network"`

	Wallet    WalletConfig    `yaml:"wallet"`
	Explorer  ExplorerConfig  `yaml:"explorer"`
	PriceFeed PriceFeedConfig `yaml:"price_feed"`
	Storage   StorageConfig   `yaml:"storage"`
	Lock      LockConfig      `yaml:"lock"`
	RPC       RPCConfig       `yaml:"rpc"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WalletConfig holds send and history policy.
type WalletConfig struct {
	// Fee is the fixed fee per send in LTC.
	Fee decimal.Decimal `yaml:"fee"`

	// AddressType for new wallets (p2pkh or p2wpkh).
	AddressType chain.AddressType `yaml:"address_type"`

	// HistoryLimit is the number of recent transactions kept per wallet.
	HistoryLimit int `yaml:"history_limit"`
}

// ExplorerConfig holds block explorer settings.
type ExplorerConfig struct {
	backend.Config `yaml:",inline"`

	// Token is the BlockCypher API token (optional, raises rate limits).
	Token string `yaml:"token,omitempty"`

	Timeout time.Duration `yaml:"timeout"`

	// TxLimit caps the transactions returned per address query (0 = service default).
	TxLimit int `yaml:"tx_limit"`
}

// PriceFeedConfig holds exchange rate settings.
type PriceFeedConfig struct {
	URL      string `yaml:"url"`
	CoinID   string `yaml:"coin_id"`
	Currency string `yaml:"currency"`

	// DefaultRate is used whenever the feed cannot be read.
	DefaultRate decimal.Decimal `yaml:"default_rate"`

	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Backend is sqlite or badger.
	Backend string `yaml:"backend"`

	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LockConfig selects the per-user lock implementation.
type LockConfig struct {
	// Backend is memory (single instance) or redis (shared between instances).
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	TTL           time.Duration `yaml:"ttl"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	// Listen is the host:port to bind. Empty disables the server.
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Wallet: WalletConfig{
			Fee:          decimal.RequireFromString("0.00003"),
			AddressType:  chain.AddressP2PKH,
			HistoryLimit: 10,
		},
		Explorer: ExplorerConfig{
			Config:  *backend.DefaultExplorerConfig(),
			Timeout: 10 * time.Second,
			TxLimit: 50,
		},
		PriceFeed: PriceFeedConfig{
			URL:         backend.DefaultCoinGeckoURL,
			CoinID:      "litecoin",
			Currency:    "jpy",
			DefaultRate: decimal.NewFromInt(40000),
			Timeout:     5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageSQLite,
			DataDir: "~/.ltcwallet",
		},
		Lock: LockConfig{
			Backend: LockMemory,
			TTL:     time.Minute,
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8645",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadConfig loads configuration from the YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# ltcwallet daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvExplorerToken); v != "" {
		c.Explorer.Token = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Lock.RedisPassword = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	network, err := chain.ParseNetwork(string(c.Network))
	if err != nil {
		bad("network: %v", err)
	}
	if !c.Wallet.Fee.IsPositive() {
		bad("wallet.fee must be positive, got %s", c.Wallet.Fee)
	}
	switch c.Wallet.AddressType {
	case chain.AddressP2PKH, chain.AddressP2WPKH:
	default:
		bad("wallet.address_type must be p2pkh or p2wpkh, got %q", c.Wallet.AddressType)
	}
	if c.Wallet.HistoryLimit <= 0 {
		bad("wallet.history_limit must be positive, got %d", c.Wallet.HistoryLimit)
	}

	if c.Explorer.Type != backend.TypeBlockCypher {
		bad("explorer.type %q is not supported", c.Explorer.Type)
	}
	if _, err := c.Explorer.URL(network); err != nil {
		bad("explorer: %v", err)
	}
	if c.Explorer.Timeout <= 0 {
		bad("explorer.timeout must be positive")
	}

	if !c.PriceFeed.DefaultRate.IsPositive() {
		bad("price_feed.default_rate must be positive, got %s", c.PriceFeed.DefaultRate)
	}
	if c.PriceFeed.Timeout <= 0 {
		bad("price_feed.timeout must be positive")
	}

	switch c.Storage.Backend {
	case StorageSQLite, StorageBadger:
	default:
		bad("storage.backend must be sqlite or badger, got %q", c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			bad("lock.redis_addr is required for the redis backend")
		}
		if c.Lock.TTL <= 0 {
			bad("lock.ttl must be positive")
		}
	default:
		bad("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}

	return errors.Join(errs...)
}

// ChainParams returns the Litecoin parameters for the configured network.
func (c *Config) ChainParams() (*chain.Params, error) {
	network, err := chain.ParseNetwork(string(c.Network))
	if err != nil {
		return nil, err
	}
	params, ok := chain.Get(chain.LTC, network)
	if !ok {
		return nil, fmt.Errorf("litecoin %s is not registered", network)
	}
	return params, nil
}

// ExplorerURL returns the explorer endpoint for the configured network.
func (c *Config) ExplorerURL() (string, error) {
	network, err := chain.ParseNetwork(string(c.Network))
	if err != nil {
		return "", err
	}
	return c.Explorer.URL(network)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
