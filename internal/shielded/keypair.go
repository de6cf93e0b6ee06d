package shielded

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/curve25519"

	"shieldpool/internal/field"
)

// AddressLength is the byte length of a shielded address: public key followed by the
// X25519 encryption key.
const AddressLength = 64

var (
	ErrNoPrivateKey   = errors.New("shielded: keypair has no private key")
	ErrInvalidAddress = errors.New("shielded: invalid shielded address")
)

var encryptionKeyDomain = []byte("shieldpool/encryption-key")

// Keypair owns notes. The spending key is a field scalar, its public key is H(sk), and an
// X25519 key derived from sk lets senders encrypt notes to the owner.
type Keypair struct {
	privateKey *fr.Element
	PublicKey  common.Hash

	encryptionPrivate *[32]byte
	EncryptionKey     [32]byte
}

// NewKeypair draws a fresh spending key.
func NewKeypair() (*Keypair, error) {
	sk, err := field.Random()
	if err != nil {
		return nil, fmt.Errorf("failed to draw private key: %w", err)
	}
	return keypairFromScalar(sk)
}

// KeypairFromPrivateKey restores a keypair from its 32-byte spending key.
func KeypairFromPrivateKey(sk common.Hash) (*Keypair, error) {
	e, err := field.FromHash(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return keypairFromScalar(e)
}

func keypairFromScalar(sk fr.Element) (*Keypair, error) {
	var encPriv [32]byte
	copy(encPriv[:], crypto.Keccak256(encryptionKeyDomain, field.ToHash(sk).Bytes()))
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	kp := &Keypair{
		privateKey:        &sk,
		PublicKey:         field.ToHash(field.Hash(sk)),
		encryptionPrivate: &encPriv,
	}
	copy(kp.EncryptionKey[:], encPub)
	return kp, nil
}

// KeypairFromAddress builds a receive-only keypair usable as an output owner.
func KeypairFromAddress(addr string) (*Keypair, error) {
	raw, err := hexutil.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(raw))
	}
	pub := common.BytesToHash(raw[:32])
	if !field.Valid(pub) {
		return nil, fmt.Errorf("%w: public key out of field", ErrInvalidAddress)
	}
	kp := &Keypair{PublicKey: pub}
	copy(kp.EncryptionKey[:], raw[32:])
	return kp, nil
}

// Address encodes the public and encryption keys as 0x-prefixed hex.
func (k *Keypair) Address() string {
	buf := make([]byte, 0, AddressLength)
	buf = append(buf, k.PublicKey.Bytes()...)
	buf = append(buf, k.EncryptionKey[:]...)
	return hexutil.Encode(buf)
}

// CanSpend reports whether the keypair holds a spending key.
func (k *Keypair) CanSpend() bool { return k.privateKey != nil }

// PrivateKey returns the spending key.
func (k *Keypair) PrivateKey() (common.Hash, error) {
	if k.privateKey == nil {
		return common.Hash{}, ErrNoPrivateKey
	}
	return field.ToHash(*k.privateKey), nil
}

// Sign computes H(sk, commitment, index), the per-note spend authorization.
func (k *Keypair) Sign(commitment common.Hash, index uint64) (common.Hash, error) {
	if k.privateKey == nil {
		return common.Hash{}, ErrNoPrivateKey
	}
	sk := field.ToHash(*k.privateKey)
	return field.HashHashes(sk, commitment, field.HashFromUint64(index)), nil
}

func (k *Keypair) scalar() fr.Element {
	if k.privateKey == nil {
		return fr.Element{}
	}
	return *k.privateKey
}
