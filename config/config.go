package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/openlend/core/core"
)

type Config struct {
	LogLevel     string `toml:"LogLevel"`
	DatabasePath string `toml:"DatabasePath"`

	Pool PoolConfig `toml:"Pool"`
}

type PoolConfig struct {
	LiquidationThreshold uint64 `toml:"LiquidationThreshold"`
	MaxLTV               uint64 `toml:"MaxLTV"`
	InterestRateBps      uint64 `toml:"InterestRateBps"`
}

// Default returns the stock risk parameters: 50% max LTV, 80% liquidation
// threshold, 5% annual borrow rate.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		DatabasePath: "openlend.db",
		Pool: PoolConfig{
			LiquidationThreshold: 80,
			MaxLTV:               50,
			InterestRateBps:      500,
		},
	}
}

// Load reads the toml file at path, filling unset fields with defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	poolConfig := cfg.PoolConfig()
	if err := poolConfig.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// PoolConfig converts the file shape into the engine's risk parameters.
func (c *Config) PoolConfig() core.PoolConfig {
	return core.PoolConfig{
		LiquidationThreshold: c.Pool.LiquidationThreshold,
		MaxLTV:               c.Pool.MaxLTV,
		InterestRateBps:      c.Pool.InterestRateBps,
	}
}
