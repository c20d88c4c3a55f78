package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default endpoints and limits for a locally-run settlement node.
const (
	DefaultRPCAddress        = "127.0.0.1:8645"
	DefaultOpsAddress        = "127.0.0.1:9645"
	DefaultDataDir           = "./futarchy-data"
	DefaultNetworkName       = "futarchy-local"
	DefaultSweepWindow       = 90 * 24 * time.Hour
	DefaultRateLimitPerMin   = 120.0
	DefaultRateLimitBurst    = 30
	minimumSweepWindowFloors = time.Hour
)

// Config captures the node settings read from the TOML configuration file.
type Config struct {
	RPCAddress            string  `toml:"RPCAddress"`
	OpsAddress            string  `toml:"OpsAddress"`
	DataDir               string  `toml:"DataDir"`
	NetworkName           string  `toml:"NetworkName"`
	Ephemeral             bool    `toml:"Ephemeral"`
	SweepWindowSeconds    int64   `toml:"SweepWindowSeconds"`
	RateLimitPerMinute    float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst        int     `toml:"RateLimitBurst"`
	MaxRequestBytes       int64   `toml:"MaxRequestBytes"`
	ShutdownGraceSeconds  int64   `toml:"ShutdownGraceSeconds"`
	DisableMetricsServing bool    `toml:"DisableMetricsServing"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists, and applies defaults to any unset field.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = DefaultRPCAddress
	}
	if strings.TrimSpace(c.OpsAddress) == "" {
		c.OpsAddress = DefaultOpsAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if c.SweepWindowSeconds == 0 {
		c.SweepWindowSeconds = int64(DefaultSweepWindow / time.Second)
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = DefaultRateLimitPerMin
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = 1 << 20
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 10
	}
}

// Validate rejects configurations that would start an unusable node.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if c.SweepWindowSeconds < int64(minimumSweepWindowFloors/time.Second) {
		return fmt.Errorf("config: SweepWindowSeconds %d below the %s floor", c.SweepWindowSeconds, minimumSweepWindowFloors)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: RateLimitPerMinute must not be negative")
	}
	if c.RateLimitBurst < 0 {
		return fmt.Errorf("config: RateLimitBurst must not be negative")
	}
	if c.MaxRequestBytes < 1024 {
		return fmt.Errorf("config: MaxRequestBytes %d below the 1 KiB floor", c.MaxRequestBytes)
	}
	return nil
}

// SweepWindow returns the stranded-collateral expiry as a duration.
func (c *Config) SweepWindow() time.Duration {
	return time.Duration(c.SweepWindowSeconds) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
