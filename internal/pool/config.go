package pool

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"shieldpool/internal/merkle"
	"shieldpool/internal/shielded"
)

// Config are the ledger parameters. Depth and history size are fixed for the lifetime of a pool.
type Config struct {
	TreeDepth       int
	RootHistorySize int

	// MaxDeposit caps the deposit leg of a single transaction.
	MaxDeposit *uint256.Int
	// MinWithdrawal is the smallest amount that may be bridged out to L1.
	MinWithdrawal *uint256.Int
}

var ether = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))

// DefaultConfig contains the default settings.
var DefaultConfig = Config{
	TreeDepth:       20,
	RootHistorySize: merkle.DefaultHistorySize,
	MaxDeposit:      new(uint256.Int).Set(ether),
	MinWithdrawal:   new(uint256.Int).Div(ether, uint256.NewInt(20)),
}

// sanitize checks the provided user configurations and changes anything that's unreasonable.
func (config *Config) sanitize() Config {
	conf := *config
	if conf.TreeDepth < 1 || conf.TreeDepth > merkle.MaxDepth {
		log.Warn().Int("provided", conf.TreeDepth).Int("updated", DefaultConfig.TreeDepth).Msg("Sanitizing invalid tree depth")
		conf.TreeDepth = DefaultConfig.TreeDepth
	}
	if conf.RootHistorySize < 1 {
		log.Warn().Int("provided", conf.RootHistorySize).Int("updated", DefaultConfig.RootHistorySize).Msg("Sanitizing invalid root history size")
		conf.RootHistorySize = DefaultConfig.RootHistorySize
	}
	if conf.MaxDeposit == nil || conf.MaxDeposit.IsZero() || conf.MaxDeposit.Gt(shielded.MaxAmount) {
		conf.MaxDeposit = new(uint256.Int).Set(shielded.MaxAmount)
	}
	if conf.MinWithdrawal == nil {
		conf.MinWithdrawal = new(uint256.Int)
	}
	return conf
}

// Validate rejects configurations that sanitize cannot repair.
func (config *Config) Validate() error {
	if config.MaxDeposit != nil && config.MinWithdrawal != nil && !config.MaxDeposit.IsZero() &&
		config.MinWithdrawal.Gt(config.MaxDeposit) {
		return errors.New("pool: minimum withdrawal exceeds maximum deposit")
	}
	return nil
}
