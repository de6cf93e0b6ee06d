package main

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "poold.json")
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
	require.NoError(t, config.Validate())
	assert.FileExists(t, path)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poold.json")
	config := DefaultConfig()
	config.TreeDepth = 8
	config.MaxDeposit = uint256.NewInt(5000)
	config.MinWithdrawal = uint256.NewInt(50)
	config.BridgeAddress = common.HexToAddress("0x0000000000000000000000000000000000000b1d")
	config.TokenAddress = common.HexToAddress("0x00000000000000000000000000000000000070c1")
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)

	pc := loaded.PoolConfig()
	assert.Equal(t, 8, pc.TreeDepth)
	assert.Equal(t, uint256.NewInt(5000), pc.MaxDeposit)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero depth", func(c *Config) { c.TreeDepth = 0 }},
		{"deep tree", func(c *Config) { c.TreeDepth = 64 }},
		{"no history", func(c *Config) { c.RootHistorySize = 0 }},
		{"no listen address", func(c *Config) { c.ListenAddress = "" }},
		{"no rate", func(c *Config) { c.RateLimit = 0 }},
		{"no timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"bridge without token", func(c *Config) { c.BridgeAddress = common.HexToAddress("0x01") }},
		{"withdrawal above deposit", func(c *Config) {
			c.MaxDeposit = uint256.NewInt(10)
			c.MinWithdrawal = uint256.NewInt(11)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			assert.Error(t, config.Validate())
		})
	}
}
