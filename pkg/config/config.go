package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StorageDriver string

const (
	DriverLevelDB  StorageDriver = "leveldb"
	DriverPostgres StorageDriver = "postgres"
)

type Config struct {
	Bank     BankConfig     `json:"bank"`
	Registry RegistryConfig `json:"registry"`
	Keys     KeysConfig     `json:"keys"`
	Storage  StorageConfig  `json:"storage"`
	Delivery DeliveryConfig `json:"delivery"`
	Server   ServerConfig   `json:"server"`
}

type BankConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Prefix    string   `json:"prefix"`
	PublicURL string   `json:"public_url"`
	Owners    []string `json:"owners,omitempty"`
}

type RegistryConfig struct {
	URL            string   `json:"url"`
	APIKey         string   `json:"api_key"`
	SyncInterval   Duration `json:"sync_interval"`
	CacheFile      string   `json:"cache_file"`
	MetaFile       string   `json:"meta_file"`
	RetryBaseDelay Duration `json:"retry_base_delay"`
	MaxAttempts    int      `json:"max_attempts"`
	Timeout        Duration `json:"timeout"`
}

type KeysConfig struct {
	PrivateKeyPath string `json:"private_key_path"`
}

type StorageConfig struct {
	Driver StorageDriver `json:"driver"`
	Path   string        `json:"path"`
	DSN    string        `json:"dsn"`
}

type DeliveryConfig struct {
	Timeout       Duration `json:"timeout"`
	MaxRetries    int      `json:"max_retries"`
	RetryDelay    Duration `json:"retry_delay"`
	SweepInterval Duration `json:"sweep_interval"`
	SweepWindow   Duration `json:"sweep_window"`
}

type ServerConfig struct {
	Address              string  `json:"address"`
	GRPCAddress          string  `json:"grpc_address"`
	APIKey               string  `json:"api_key"`
	RateLimit            float64 `json:"rate_limit"`
	RateBurst            int     `json:"rate_burst"`
	RedisAddr            string  `json:"redis_addr"`
	AllowUnsignedInbound bool    `json:"allow_unsigned_inbound"`
}

// Duration accepts "5m"-style strings in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			SyncInterval:   Duration{5 * time.Minute},
			CacheFile:      "./data/directory.json",
			MetaFile:       "./data/directory-meta.json",
			RetryBaseDelay: Duration{time.Second},
			MaxAttempts:    3,
			Timeout:        Duration{10 * time.Second},
		},
		Keys: KeysConfig{
			PrivateKeyPath: "./data/signing-key.pem",
		},
		Storage: StorageConfig{
			Driver: DriverLevelDB,
			Path:   "./data/ledger",
		},
		Delivery: DeliveryConfig{
			Timeout:       Duration{5 * time.Second},
			MaxRetries:    3,
			RetryDelay:    Duration{2 * time.Second},
			SweepInterval: Duration{time.Minute},
			SweepWindow:   Duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Address:     ":8080",
			GRPCAddress: ":9090",
			RateLimit:   20,
			RateBurst:   40,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Bank = BankConfig{
		ID:        getEnv("BANKD_BANK_ID", ""),
		Name:      getEnv("BANKD_BANK_NAME", ""),
		Prefix:    getEnv("BANKD_BANK_PREFIX", ""),
		PublicURL: getEnv("BANKD_PUBLIC_URL", ""),
	}
	if owners := os.Getenv("BANKD_BANK_OWNERS"); owners != "" {
		for _, owner := range strings.Split(owners, ",") {
			if owner = strings.TrimSpace(owner); owner != "" {
				cfg.Bank.Owners = append(cfg.Bank.Owners, owner)
			}
		}
	}

	cfg.Registry.URL = getEnv("BANKD_REGISTRY_URL", "")
	cfg.Registry.APIKey = getEnv("BANKD_REGISTRY_API_KEY", "")
	cfg.Registry.SyncInterval = getDuration("BANKD_SYNC_INTERVAL", cfg.Registry.SyncInterval)
	cfg.Registry.CacheFile = getEnv("BANKD_DIRECTORY_CACHE", cfg.Registry.CacheFile)
	cfg.Registry.MetaFile = getEnv("BANKD_DIRECTORY_META", cfg.Registry.MetaFile)

	cfg.Keys.PrivateKeyPath = getEnv("BANKD_PRIVATE_KEY", cfg.Keys.PrivateKeyPath)

	cfg.Storage.Driver = StorageDriver(getEnv("BANKD_STORAGE_DRIVER", string(cfg.Storage.Driver)))
	cfg.Storage.Path = getEnv("BANKD_STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getEnv("BANKD_DB_URL", "")

	cfg.Delivery.Timeout = getDuration("BANKD_DELIVERY_TIMEOUT", cfg.Delivery.Timeout)
	cfg.Delivery.RetryDelay = getDuration("BANKD_DELIVERY_RETRY_DELAY", cfg.Delivery.RetryDelay)

	cfg.Server.Address = getEnv("BANKD_ADDRESS", cfg.Server.Address)
	cfg.Server.GRPCAddress = getEnv("BANKD_GRPC_ADDRESS", cfg.Server.GRPCAddress)
	cfg.Server.APIKey = getEnv("BANKD_API_KEY", "")
	cfg.Server.RedisAddr = getEnv("BANKD_REDIS_ADDR", "")
	cfg.Server.AllowUnsignedInbound = getEnv("BANKD_ALLOW_UNSIGNED_INBOUND", "") == "true"

	return cfg
}

// Validate checks the fields without which the node cannot take part in the network.
func (c *Config) Validate() error {
	if c.Bank.ID == "" {
		return fmt.Errorf("bank id is required")
	}
	if c.Bank.Prefix == "" {
		return fmt.Errorf("bank prefix is required")
	}
	if c.Bank.Name == "" {
		c.Bank.Name = c.Bank.ID
	}
	if c.Registry.URL == "" {
		return fmt.Errorf("registry url is required")
	}
	switch c.Storage.Driver {
	case DriverLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for leveldb")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = 3
	}
	if c.Registry.MaxAttempts <= 0 {
		c.Registry.MaxAttempts = 3
	}
	return nil
}

// TransactionURL is where peers deliver transfers to this bank.
func (c *Config) TransactionURL() string {
	return strings.TrimRight(c.Bank.PublicURL, "/") + "/transactions/b2b"
}

// JWKSURL is where peers read this bank's verification keys.
func (c *Config) JWKSURL() string {
	return strings.TrimRight(c.Bank.PublicURL, "/") + "/.well-known/jwks.json"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue Duration) Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return Duration{d}
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return Duration{time.Duration(secs) * time.Second}
	}
	return defaultValue
}
