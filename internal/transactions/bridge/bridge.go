// Package bridge accepts tokens bridged from L1 together with a transaction payload and applies
// the transaction to the pool as its deposit leg.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
)

var (
	// ErrUnknownToken is returned for deliveries from another bridge or of another token.
	ErrUnknownToken = errors.New("bridge: unknown bridge or token")

	ErrMalformedPayload = errors.New("bridge: malformed transaction payload")

	// ErrDepositAmountMismatch is returned when the bridged amount differs from the proven deposit.
	ErrDepositAmountMismatch = fmt.Errorf("bridge: bridged amount differs from deposit: %w", pool.ErrAmountMismatch)
)

// Applier is the part of the pool the adapter drives.
type Applier interface {
	ApplyTransaction(ctx context.Context, tx *shielded.Transaction, leg pool.Settlement) (*pool.Receipt, error)
}

// Delivery is one token transfer with call data, as handed over by the bridge.
type Delivery struct {
	Sender  common.Address `json:"sender"`
	Token   common.Address `json:"token"`
	Amount  *uint256.Int   `json:"amount"`
	Payload hexutil.Bytes  `json:"payload"`
	// MessageID identifies the bridge message. When zero the ext-data hash is used instead.
	MessageID common.Hash `json:"messageId"`
}

// EncodePayload serializes tx as the call data of a bridged deposit.
func EncodePayload(tx *shielded.Transaction) ([]byte, error) {
	return shielded.EncodeTransaction(tx)
}

// DecodePayload parses call data produced by EncodePayload.
func DecodePayload(data []byte) (*shielded.Transaction, error) {
	tx, err := shielded.DecodeTransaction(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return tx, nil
}

type Option func(*Adapter)

func WithLogger(l zerolog.Logger) Option { return func(a *Adapter) { a.log = l } }

// WithDeliveryLog persists processed deliveries, so redeliveries after a restart are recognized.
func WithDeliveryLog(d pool.DeliveryLog) Option { return func(a *Adapter) { a.deliveries = d } }

func WithRegisterer(reg prometheus.Registerer) Option { return func(a *Adapter) { a.reg = reg } }

// Adapter is the pool's bridge callback.
type Adapter struct {
	bridge     common.Address
	token      common.Address
	pool       Applier
	deliveries pool.DeliveryLog
	log        zerolog.Logger
	reg        prometheus.Registerer
	inflight   singleflight.Group
	outcomes   *prometheus.CounterVec
}

// New creates an adapter accepting token deliveries from bridge only.
func New(bridge, token common.Address, p Applier, opts ...Option) *Adapter {
	a := &Adapter{
		bridge: bridge,
		token:  token,
		pool:   p,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.deliveries == nil {
		a.deliveries = pool.NewMemoryStore()
	}
	a.outcomes = promauto.With(a.reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldpool",
		Subsystem: "bridge",
		Name:      "deliveries_total",
		Help:      "Bridged deliveries, by outcome.",
	}, []string{"outcome"})
	return a
}

// OnBridgedDeposit applies the transaction carried by d with d.Amount as its deposit leg.
// A delivery seen before returns the receipt of its first application. Failed deliveries are not
// remembered; the bridge is expected to return the tokens.
func (a *Adapter) OnBridgedDeposit(ctx context.Context, d *Delivery) (*pool.Receipt, error) {
	receipt, err := a.onBridgedDeposit(ctx, d)
	if err != nil {
		a.outcomes.WithLabelValues("rejected").Inc()
		a.log.Warn().Err(err).Str("message", d.MessageID.Hex()).Msg("Bridged deposit rejected")
		return nil, err
	}
	return receipt, nil
}

func (a *Adapter) onBridgedDeposit(ctx context.Context, d *Delivery) (*pool.Receipt, error) {
	if d.Sender != a.bridge || d.Token != a.token {
		return nil, fmt.Errorf("%w: token %s from %s", ErrUnknownToken, d.Token.Hex(), d.Sender.Hex())
	}
	tx, err := DecodePayload(d.Payload)
	if err != nil {
		return nil, err
	}
	amount := shielded.OrZero(d.Amount)
	if !shielded.OrZero(tx.Public.DepositAmount).Eq(amount) {
		return nil, fmt.Errorf("%w: bridged %s, proven %s", ErrDepositAmountMismatch, amount, shielded.OrZero(tx.Public.DepositAmount))
	}

	key := d.MessageID
	if key == (common.Hash{}) {
		key = tx.ID()
	}
	v, err, shared := a.inflight.Do(key.Hex(), func() (any, error) {
		if r, ok, err := a.lookup(key); err != nil || ok {
			if ok {
				a.outcomes.WithLabelValues("duplicate").Inc()
			}
			return r, err
		}
		r, err := a.pool.ApplyTransaction(ctx, tx, pool.Settlement{Deposited: new(uint256.Int).Set(amount)})
		if err != nil {
			return nil, err
		}
		a.outcomes.WithLabelValues("applied").Inc()
		if err := a.record(key, r); err != nil {
			a.log.Error().Err(err).Str("key", key.Hex()).Msg("Failed to record bridged delivery")
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.log.Debug().Str("key", key.Hex()).Msg("Concurrent redelivery joined in-flight deposit")
	}
	return v.(*pool.Receipt), nil
}

func (a *Adapter) lookup(key common.Hash) (*pool.Receipt, bool, error) {
	raw, ok, err := a.deliveries.Delivery(key)
	if err != nil || !ok {
		return nil, false, err
	}
	r := new(pool.Receipt)
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, false, fmt.Errorf("corrupt delivery record %s: %w", key.Hex(), err)
	}
	return r, true, nil
}

func (a *Adapter) record(key common.Hash, r *pool.Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return a.deliveries.RecordDelivery(key, raw)
}
