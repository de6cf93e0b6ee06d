package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Settlement is the custody movement that accompanied a transaction into the pool.
type Settlement struct {
	// Deposited is the amount the bridge moved into custody for this transaction.
	Deposited *uint256.Int
}

// Payout is what the pool asks custody to release when a transaction is applied.
type Payout struct {
	TxID      common.Hash
	Recipient common.Address
	Amount    *uint256.Int
	// L1 routes Amount through the bridge; L1Fee is deducted there for the L1 executor.
	L1    bool
	L1Fee *uint256.Int

	Relayer common.Address
	Fee     *uint256.Int
}

// Total is Amount plus Fee.
func (p *Payout) Total() *uint256.Int {
	return new(uint256.Int).Add(orZero(p.Amount), orZero(p.Fee))
}

// Custody moves tokens out of the pool. Release must either move exactly the requested amounts
// or fail without moving anything.
type Custody interface {
	Release(ctx context.Context, p *Payout) error
}

// NopCustody accepts every release. It suits pools whose payouts are settled elsewhere.
type NopCustody struct{}

func (NopCustody) Release(context.Context, *Payout) error { return nil }

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
