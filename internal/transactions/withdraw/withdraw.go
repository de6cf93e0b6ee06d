// Package withdraw releases value leaving the pool: L2 payouts go straight to the token ledger,
// L1 withdrawals are relayed through the bridge.
package withdraw

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"shieldpool/internal/pool"
)

var ErrL1FeeExceedsAmount = errors.New("withdraw: L1 fee exceeds withdrawal")

// TokenLedger moves tokens between L2 accounts.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// Bridge relays tokens held by the pool to an L1 recipient. l1Fee goes to the L1 executor.
type Bridge interface {
	RelayTokens(ctx context.Context, recipient common.Address, amount, l1Fee *uint256.Int) error
}

// Router implements pool.Custody on top of a token ledger and a bridge.
type Router struct {
	account common.Address
	ledger  TokenLedger
	bridge  Bridge
	log     zerolog.Logger
}

var _ pool.Custody = (*Router)(nil)

// NewRouter releases tokens held by account. bridge may be nil when L1 withdrawals are not
// supported.
func NewRouter(account common.Address, ledger TokenLedger, bridge Bridge, log zerolog.Logger) *Router {
	return &Router{account: account, ledger: ledger, bridge: bridge, log: log}
}

// Release pays the recipient, then the relayer. If the fee cannot be paid the payout is reversed.
func (r *Router) Release(ctx context.Context, p *pool.Payout) error {
	amount := orZero(p.Amount)
	if !amount.IsZero() {
		if err := r.pay(ctx, p); err != nil {
			return err
		}
	}
	fee := orZero(p.Fee)
	if fee.IsZero() {
		return nil
	}
	if err := r.ledger.Transfer(ctx, r.account, p.Relayer, fee); err != nil {
		if !amount.IsZero() {
			r.reverse(ctx, p)
		}
		return fmt.Errorf("pay relayer fee: %w", err)
	}
	r.log.Debug().
		Str("tx", p.TxID.Hex()).
		Str("relayer", p.Relayer.Hex()).
		Stringer("fee", fee).
		Msg("Relayer fee paid")
	return nil
}

func (r *Router) pay(ctx context.Context, p *pool.Payout) error {
	amount := orZero(p.Amount)
	if !p.L1 {
		if err := r.ledger.Transfer(ctx, r.account, p.Recipient, amount); err != nil {
			return fmt.Errorf("L2 payout: %w", err)
		}
		r.log.Info().Str("tx", p.TxID.Hex()).Str("recipient", p.Recipient.Hex()).Stringer("amount", amount).Msg("Withdrawal paid")
		return nil
	}

	if r.bridge == nil {
		return errors.New("withdraw: no bridge for L1 withdrawal")
	}
	l1Fee := orZero(p.L1Fee)
	if l1Fee.Gt(amount) {
		return ErrL1FeeExceedsAmount
	}
	net := new(uint256.Int).Sub(amount, l1Fee)
	if err := r.bridge.RelayTokens(ctx, p.Recipient, net, l1Fee); err != nil {
		return fmt.Errorf("L1 relay: %w", err)
	}
	r.log.Info().
		Str("tx", p.TxID.Hex()).
		Str("recipient", p.Recipient.Hex()).
		Stringer("amount", net).
		Stringer("l1_fee", l1Fee).
		Msg("Withdrawal relayed to L1")
	return nil
}

// reverse returns an L2 payout to the pool. L1 relays cannot be recalled.
func (r *Router) reverse(ctx context.Context, p *pool.Payout) {
	if p.L1 {
		r.log.Error().Str("tx", p.TxID.Hex()).Msg("Relayer fee failed after L1 relay")
		return
	}
	if err := r.ledger.Transfer(context.WithoutCancel(ctx), p.Recipient, r.account, orZero(p.Amount)); err != nil {
		r.log.Error().Err(err).Str("tx", p.TxID.Hex()).Msg("Failed to reverse payout")
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
