package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("withdraw: insufficient balance")

// Balances is an in-memory token ledger.
type Balances struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
}

func NewBalances() *Balances {
	return &Balances{balances: make(map[common.Address]*uint256.Int)}
}

// Mint credits amount to account.
func (b *Balances) Mint(account common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = new(uint256.Int).Add(b.get(account), amount)
}

func (b *Balances) BalanceOf(account common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(uint256.Int).Set(b.get(account))
}

func (b *Balances) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	have := b.get(from)
	if have.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), have, amount)
	}
	b.balances[from] = new(uint256.Int).Sub(have, amount)
	b.balances[to] = new(uint256.Int).Add(b.get(to), amount)
	return nil
}

// get must be called with mu held.
func (b *Balances) get(account common.Address) *uint256.Int {
	if v, ok := b.balances[account]; ok {
		return v
	}
	return new(uint256.Int)
}
