// field.go - BN254 scalar field helpers shared by the accumulator, the note model and the circuit.
//
// Every hash in the pool (Merkle nodes, commitments, nullifiers, public keys) is MiMC over the
// BN254 scalar field, so the native values computed here match what the transaction circuit
// recomputes in-constraint.

package field

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ErrNotCanonical is returned when a 32-byte value is not below the field modulus.
var ErrNotCanonical = errors.New("field: value is not a canonical field element")

// ZeroValue is the leaf value of an empty accumulator slot.
var ZeroValue = Keccak([]byte("shieldpool"))

// Modulus returns the BN254 scalar field order r.
func Modulus() *big.Int {
	return fr.Modulus()
}

// Hash is MiMC over the given elements, each absorbed as one 32-byte block.
func Hash(inputs ...fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for i := range inputs {
		b := inputs[i].Bytes()
		// canonical by construction, Write cannot fail
		_, _ = h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// HashPair hashes two 32-byte nodes. Inputs above the modulus are reduced.
func HashPair(left, right common.Hash) common.Hash {
	var l, r fr.Element
	l.SetBytes(left[:])
	r.SetBytes(right[:])
	return ToHash(Hash(l, r))
}

// HashHashes is Hash over 32-byte values.
func HashHashes(inputs ...common.Hash) common.Hash {
	elems := make([]fr.Element, len(inputs))
	for i := range inputs {
		elems[i].SetBytes(inputs[i][:])
	}
	return ToHash(Hash(elems...))
}

// ToHash encodes e as a big-endian 32-byte word.
func ToHash(e fr.Element) common.Hash {
	return common.Hash(e.Bytes())
}

// FromHash decodes a canonical 32-byte word.
func FromHash(h common.Hash) (fr.Element, error) {
	var e fr.Element
	if err := e.SetBytesCanonical(h[:]); err != nil {
		return e, ErrNotCanonical
	}
	return e, nil
}

// Valid reports whether h encodes a value strictly below the field modulus.
func Valid(h common.Hash) bool {
	_, err := FromHash(h)
	return err == nil
}

// Keccak hashes data with keccak256 and reduces the digest into the field.
func Keccak(data ...[]byte) common.Hash {
	var e fr.Element
	e.SetBytes(crypto.Keccak256(data...))
	return ToHash(e)
}

// Random draws a uniformly random field element.
func Random() (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return e, err
	}
	return e, nil
}

// FromUint256 maps an amount into the field. Amounts are bounded far below r.
func FromUint256(v *uint256.Int) fr.Element {
	var e fr.Element
	if v == nil {
		return e
	}
	b := v.Bytes32()
	e.SetBytes(b[:])
	return e
}

// FromBig reduces v modulo r.
func FromBig(v *big.Int) fr.Element {
	var e fr.Element
	e.SetBigInt(v)
	return e
}

// HashFromUint256 is FromUint256 encoded as a word.
func HashFromUint256(v *uint256.Int) common.Hash {
	return ToHash(FromUint256(v))
}

// HashFromUint64 encodes a small integer as a field word.
func HashFromUint64(v uint64) common.Hash {
	var e fr.Element
	e.SetUint64(v)
	return ToHash(e)
}

// Uint256FromHash reads a word as an unsigned integer without reduction.
func Uint256FromHash(h common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes32(h[:])
}
