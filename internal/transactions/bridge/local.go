package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"shieldpool/internal/pool"
)

// TokenLedger moves tokens between accounts on one chain.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// LocalBridge is an in-process token bridge between an L1 and an L2 ledger. Tokens bridged to
// L2 are escrowed on L1 and paid out of the bridge's L2 liquidity; the reverse direction pays
// out of the L1 escrow.
type LocalBridge struct {
	Address  common.Address
	Token    common.Address
	Pool     common.Address
	Executor common.Address

	l1, l2  TokenLedger
	adapter *Adapter
	log     zerolog.Logger
	nonce   atomic.Uint64
}

var errNotConnected = errors.New("bridge: no pool adapter connected")

// NewLocalBridge connects two ledgers. Deposits are delivered to adapter; poolAccount is the
// L2 account holding the pool's custody. adapter may be nil and connected later, for pools whose
// custody pays out through this bridge.
func NewLocalBridge(address, token, poolAccount, executor common.Address, l1, l2 TokenLedger, adapter *Adapter) *LocalBridge {
	b := &LocalBridge{
		Address:  address,
		Token:    token,
		Pool:     poolAccount,
		Executor: executor,
		l1:       l1,
		l2:       l2,
		log:      zerolog.Nop(),
	}
	if adapter != nil {
		b.Connect(adapter)
	}
	return b
}

// Connect sets the adapter deposits are delivered to. It must be called before the first relay.
func (b *LocalBridge) Connect(adapter *Adapter) {
	b.adapter = adapter
	b.log = adapter.log
}

// RelayAndCall bridges amount from sender on L1 into the pool and delivers payload. When the
// pool rejects the payload the transfer is reverted on both sides.
func (b *LocalBridge) RelayAndCall(ctx context.Context, sender common.Address, amount *uint256.Int, payload []byte) (*pool.Receipt, error) {
	if b.adapter == nil {
		return nil, errNotConnected
	}
	if err := b.l1.Transfer(ctx, sender, b.Address, amount); err != nil {
		return nil, fmt.Errorf("escrow on L1: %w", err)
	}
	if err := b.l2.Transfer(ctx, b.Address, b.Pool, amount); err != nil {
		b.revert(ctx, b.l1, b.Address, sender, amount)
		return nil, fmt.Errorf("release on L2: %w", err)
	}
	d := &Delivery{
		Sender:    b.Address,
		Token:     b.Token,
		Amount:    new(uint256.Int).Set(amount),
		Payload:   payload,
		MessageID: b.nextMessageID(sender),
	}
	receipt, err := b.adapter.OnBridgedDeposit(ctx, d)
	if err != nil {
		b.revert(ctx, b.l2, b.Pool, b.Address, amount)
		b.revert(ctx, b.l1, b.Address, sender, amount)
		return nil, err
	}
	return receipt, nil
}

// RelayTokens moves amount plus l1Fee from the pool to the bridge on L2 and pays recipient and
// the executor out of the L1 escrow.
func (b *LocalBridge) RelayTokens(ctx context.Context, recipient common.Address, amount, l1Fee *uint256.Int) error {
	total := new(uint256.Int).Add(amount, l1Fee)
	if err := b.l2.Transfer(ctx, b.Pool, b.Address, total); err != nil {
		return err
	}
	if err := b.l1.Transfer(ctx, b.Address, recipient, amount); err != nil {
		b.revert(ctx, b.l2, b.Address, b.Pool, total)
		return fmt.Errorf("pay out on L1: %w", err)
	}
	if !l1Fee.IsZero() {
		if err := b.l1.Transfer(ctx, b.Address, b.Executor, l1Fee); err != nil {
			b.revert(ctx, b.l1, recipient, b.Address, amount)
			b.revert(ctx, b.l2, b.Address, b.Pool, total)
			return fmt.Errorf("pay executor on L1: %w", err)
		}
	}
	return nil
}

func (b *LocalBridge) revert(ctx context.Context, l TokenLedger, from, to common.Address, amount *uint256.Int) {
	if err := l.Transfer(context.WithoutCancel(ctx), from, to, amount); err != nil {
		b.log.Error().Err(err).Str("from", from.Hex()).Str("to", to.Hex()).Msg("Bridge revert failed")
	}
}

func (b *LocalBridge) nextMessageID(sender common.Address) common.Hash {
	n := b.nonce.Add(1)
	return crypto.Keccak256Hash(b.Address.Bytes(), sender.Bytes(), uint256.NewInt(n).PaddedBytes(32))
}
