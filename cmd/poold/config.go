// config.go - Configuration management for the pool daemon
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
)

// Config represents the daemon configuration
type Config struct {
	// Pool parameters
	TreeDepth       int          `json:"tree_depth"`
	RootHistorySize int          `json:"root_history_size"`
	MaxDeposit      *uint256.Int `json:"max_deposit"`
	MinWithdrawal   *uint256.Int `json:"min_withdrawal"`

	// File paths
	DataDir string `json:"data_dir"`
	KeyDir  string `json:"key_dir"`

	// Network
	NodeID         string  `json:"node_id"`
	ListenAddress  string  `json:"listen_address"`
	MetricsAddress string  `json:"metrics_address"`
	RateLimit      float64 `json:"rate_limit"`
	RateBurst      int     `json:"rate_burst"`

	// Bridge
	BridgeAddress common.Address `json:"bridge_address"`
	TokenAddress  common.Address `json:"token_address"`
	BridgeToken   string         `json:"bridge_token"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Storage
	SyncWrites     bool `json:"sync_writes"`
	TimeoutSeconds int  `json:"timeout_seconds"`

	// Security
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		TreeDepth:       pool.DefaultConfig.TreeDepth,
		RootHistorySize: pool.DefaultConfig.RootHistorySize,
		MaxDeposit:      new(uint256.Int).Set(pool.DefaultConfig.MaxDeposit),
		MinWithdrawal:   new(uint256.Int).Set(pool.DefaultConfig.MinWithdrawal),
		DataDir:         "data",
		KeyDir:          "keys",
		NodeID:          "pool-0",
		ListenAddress:   "127.0.0.1:8645",
		MetricsAddress:  "127.0.0.1:9645",
		RateLimit:       20,
		RateBurst:       40,
		LogLevel:        "info",
		LogFile:         "poold.log",
		SyncWrites:      true,
		TimeoutSeconds:  30,
		EnableAudit:     true,
		AuditLogPath:    "audit.log",
	}
}

// LoadConfig loads configuration from file, creating a default one if it does not exist
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config := DefaultConfig()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TreeDepth < 1 || c.TreeDepth > merkle.MaxDepth {
		return fmt.Errorf("tree_depth must be between 1 and %d", merkle.MaxDepth)
	}
	if c.RootHistorySize <= 0 {
		return errors.New("root_history_size must be positive")
	}
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate_limit and rate_burst must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	if c.BridgeAddress != (common.Address{}) && c.TokenAddress == (common.Address{}) {
		return errors.New("token_address is required when a bridge is configured")
	}
	conf := c.PoolConfig()
	return conf.Validate()
}

// PoolConfig returns the ledger parameters.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		TreeDepth:       c.TreeDepth,
		RootHistorySize: c.RootHistorySize,
		MaxDeposit:      c.MaxDeposit,
		MinWithdrawal:   c.MinWithdrawal,
	}
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
