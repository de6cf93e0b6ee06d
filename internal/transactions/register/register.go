// Package register publishes shielded addresses, so that senders can address notes to an owner
// known by its account address.
package register

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"

	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
)

var (
	ErrNotRegistered    = errors.New("register: owner has no registered key")
	ErrInvalidSignature = errors.New("register: signature does not match owner")
)

var registerDomain = []byte("shieldpool/register")

// Account binds an owner to the shielded address it receives notes on.
type Account struct {
	Owner     common.Address `json:"owner"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
	Signature hexutil.Bytes  `json:"signature"`
}

// PublicKeyEvent is emitted for every registration, including re-registrations.
type PublicKeyEvent struct {
	Owner     common.Address
	PublicKey hexutil.Bytes
}

func digest(owner common.Address, publicKey []byte) []byte {
	return crypto.Keccak256(registerDomain, owner.Bytes(), publicKey)
}

// SignAccount registers kp's shielded address under the account of key.
func SignAccount(key *ecdsa.PrivateKey, kp *shielded.Keypair) (*Account, error) {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	pub, err := hexutil.Decode(kp.Address())
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest(owner, pub), key)
	if err != nil {
		return nil, err
	}
	return &Account{Owner: owner, PublicKey: pub, Signature: sig}, nil
}

// Verify checks that the owner signed the shielded address.
func (a *Account) Verify() error {
	if len(a.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: bad length %d", ErrInvalidSignature, len(a.Signature))
	}
	pub, err := crypto.SigToPub(digest(a.Owner, a.PublicKey), a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != a.Owner {
		return ErrInvalidSignature
	}
	return nil
}

// Transactor submits a transaction to the pool.
type Transactor interface {
	Transact(ctx context.Context, tx *shielded.Transaction) (*pool.Receipt, error)
}

// Registry keeps the latest shielded address of every owner.
type Registry struct {
	mu       sync.RWMutex
	accounts map[common.Address]hexutil.Bytes
	feed     event.Feed
	scope    event.SubscriptionScope
	log      zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{accounts: make(map[common.Address]hexutil.Bytes), log: log}
}

// Register validates and stores a, replacing any earlier registration of the owner.
func (r *Registry) Register(ctx context.Context, a *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := shielded.KeypairFromAddress(hexutil.Encode(a.PublicKey)); err != nil {
		return err
	}
	if err := a.Verify(); err != nil {
		return err
	}
	pub := append(hexutil.Bytes(nil), a.PublicKey...)
	r.mu.Lock()
	r.accounts[a.Owner] = pub
	r.mu.Unlock()

	r.feed.Send(PublicKeyEvent{Owner: a.Owner, PublicKey: pub})
	r.log.Info().Str("owner", a.Owner.Hex()).Msg("Shielded address registered")
	return nil
}

// Lookup returns a receive-only keypair for owner.
func (r *Registry) Lookup(owner common.Address) (*shielded.Keypair, error) {
	r.mu.RLock()
	pub, ok := r.accounts[owner]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, owner.Hex())
	}
	return shielded.KeypairFromAddress(hexutil.Encode(pub))
}

// RegisterAndTransact registers a and submits tx. The registration stands even if tx fails.
func (r *Registry) RegisterAndTransact(ctx context.Context, a *Account, tx *shielded.Transaction, p Transactor) (*pool.Receipt, error) {
	if err := r.Register(ctx, a); err != nil {
		return nil, err
	}
	return p.Transact(ctx, tx)
}

// SubscribePublicKeys delivers every registration on ch.
func (r *Registry) SubscribePublicKeys(ch chan<- PublicKeyEvent) event.Subscription {
	return r.scope.Track(r.feed.Subscribe(ch))
}

func (r *Registry) Close() { r.scope.Close() }
