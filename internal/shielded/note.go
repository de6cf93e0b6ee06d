// note.go - Notes, commitments, nullifiers and the note encryption capability.
//
// A note is a capability: knowing amount, owner spending key, blinding and leaf index is enough
// to spend it exactly once. Ciphertexts are NaCl anonymous boxes addressed to the owner's X25519
// key, so a wrong key fails authentication instead of yielding garbage.

package shielded

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/nacl/box"

	"shieldpool/internal/field"
)

// AmountBits bounds note amounts so that the balance equation cannot wrap the field.
const AmountBits = 248

// MaxAmount is the largest amount a note, deposit or withdrawal can carry.
var MaxAmount = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), AmountBits), uint256.NewInt(1))

var (
	ErrAmountOutOfRange = errors.New("shielded: amount out of range")
	ErrDecryptionFailed = errors.New("shielded: decryption failed")
	ErrNoMatchingOutput = errors.New("shielded: no output decrypts under this key")
)

// Note is an unspent output. Index is meaningful once the commitment is inserted.
type Note struct {
	Amount   *uint256.Int
	Keypair  *Keypair
	Blinding common.Hash
	Index    uint64
}

// NewNote creates a note of amount owned by kp with a fresh blinding.
func NewNote(amount *uint256.Int, kp *Keypair) (*Note, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	if amount.Gt(MaxAmount) {
		return nil, ErrAmountOutOfRange
	}
	if kp == nil {
		var err error
		if kp, err = NewKeypair(); err != nil {
			return nil, err
		}
	}
	blinding, err := field.Random()
	if err != nil {
		return nil, fmt.Errorf("failed to draw blinding: %w", err)
	}
	return &Note{
		Amount:   new(uint256.Int).Set(amount),
		Keypair:  kp,
		Blinding: field.ToHash(blinding),
	}, nil
}

// dummyNote is a zero-amount note under a throwaway key, used to pad proofs.
func dummyNote() (*Note, error) {
	return NewNote(new(uint256.Int), nil)
}

// Commitment returns H(amount, publicKey, blinding).
func (n *Note) Commitment() common.Hash {
	return field.HashHashes(field.HashFromUint256(n.Amount), n.Keypair.PublicKey, n.Blinding)
}

// Signature returns H(sk, commitment, index).
func (n *Note) Signature() (common.Hash, error) {
	return n.Keypair.Sign(n.Commitment(), n.Index)
}

// Nullifier returns H(commitment, index, signature). It requires the owner's spending key.
func (n *Note) Nullifier() (common.Hash, error) {
	cm := n.Commitment()
	sig, err := n.Keypair.Sign(cm, n.Index)
	if err != nil {
		return common.Hash{}, err
	}
	return field.HashHashes(cm, field.HashFromUint64(n.Index), sig), nil
}

// notePlaintext is the encrypted body of an output.
type notePlaintext struct {
	Amount   *big.Int
	Blinding common.Hash
}

// Encrypt seals amount and blinding to the owner's encryption key.
func (n *Note) Encrypt() ([]byte, error) {
	plain, err := rlp.EncodeToBytes(&notePlaintext{Amount: n.Amount.ToBig(), Blinding: n.Blinding})
	if err != nil {
		return nil, fmt.Errorf("failed to encode note: %w", err)
	}
	out, err := box.SealAnonymous(nil, plain, &n.Keypair.EncryptionKey, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt note: %w", err)
	}
	return out, nil
}

// DecryptNote opens data with kp and rebuilds the note at index.
func DecryptNote(kp *Keypair, data []byte, index uint64) (*Note, error) {
	if kp.encryptionPrivate == nil {
		return nil, ErrNoPrivateKey
	}
	plain, ok := box.OpenAnonymous(nil, data, &kp.EncryptionKey, kp.encryptionPrivate)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	var body notePlaintext
	if err := rlp.DecodeBytes(plain, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	amount, overflow := uint256.FromBig(body.Amount)
	if overflow || amount.Gt(MaxAmount) {
		return nil, ErrAmountOutOfRange
	}
	return &Note{Amount: amount, Keypair: kp, Blinding: body.Blinding, Index: index}, nil
}

// Candidate is one ciphertext seen on the ledger with the index its commitment was given.
type Candidate struct {
	Index      uint64
	Commitment common.Hash
	Ciphertext []byte
}

// DecryptFirst trial-decrypts candidates in order and returns the first note that opens under kp
// and matches its published commitment. Outputs are shuffled, so no position is assumed.
func DecryptFirst(kp *Keypair, candidates []Candidate) (*Note, error) {
	for _, c := range candidates {
		note, err := DecryptNote(kp, c.Ciphertext, c.Index)
		if err != nil {
			continue
		}
		if c.Commitment != (common.Hash{}) && note.Commitment() != c.Commitment {
			continue
		}
		return note, nil
	}
	return nil, ErrNoMatchingOutput
}
