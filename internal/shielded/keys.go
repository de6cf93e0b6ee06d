// keys.go - Circuit compilation, Groth16 key management and proof verification.

package shielded

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedShape = errors.New("shielded: unsupported number of inputs or outputs")
	ErrProofRejected    = errors.New("shielded: proof rejected")
)

// CircuitKeys is the compiled constraint system and Groth16 keys for one circuit shape.
type CircuitKeys struct {
	Inputs       int
	CCS          constraint.ConstraintSystem
	ProvingKey   groth16.ProvingKey
	VerifyingKey groth16.VerifyingKey
}

// KeySet holds the keys of every supported shape for one tree depth.
type KeySet struct {
	Depth    int
	circuits map[int]*CircuitKeys
}

// CompileCircuit compiles the transaction circuit over the BN254 scalar field.
func CompileCircuit(inputs, outputs, depth int) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewTransactionCircuit(inputs, outputs, depth))
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup compiles every requested shape and loads its keys from dir, generating and saving them
// when absent. An empty dir keeps the keys in memory only.
func Setup(dir string, depth int, shapes ...int) (*KeySet, error) {
	if len(shapes) == 0 {
		shapes = []int{SmallInputs, LargeInputs}
	}
	ks := &KeySet{Depth: depth, circuits: make(map[int]*CircuitKeys, len(shapes))}
	for _, inputs := range shapes {
		ccs, err := CompileCircuit(inputs, NumOutputs, depth)
		if err != nil {
			return nil, err
		}
		var pk groth16.ProvingKey
		var vk groth16.VerifyingKey
		if dir == "" {
			pk, vk, err = groth16.Setup(ccs)
		} else {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create key directory: %w", err)
			}
			base := filepath.Join(dir, fmt.Sprintf("transaction%d_d%d", inputs, depth))
			pk, vk, err = SetupOrLoadKeys(ccs, base+"_pk.bin", base+"_vk.bin")
		}
		if err != nil {
			return nil, fmt.Errorf("key setup for %d inputs failed: %w", inputs, err)
		}
		ks.circuits[inputs] = &CircuitKeys{Inputs: inputs, CCS: ccs, ProvingKey: pk, VerifyingKey: vk}
	}
	return ks, nil
}

// Circuit returns the keys for the given input count.
func (ks *KeySet) Circuit(inputs int) (*CircuitKeys, error) {
	ck, ok := ks.circuits[inputs]
	if !ok {
		return nil, fmt.Errorf("%w: %d inputs", ErrUnsupportedShape, inputs)
	}
	return ck, nil
}

// Shapes lists the supported input counts.
func (ks *KeySet) Shapes() []int {
	out := make([]int, 0, len(ks.circuits))
	for _, n := range []int{SmallInputs, LargeInputs} {
		if _, ok := ks.circuits[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Verifier returns a verifier bound to the verifying keys of the set.
func (ks *KeySet) Verifier() *Groth16Verifier {
	keys := make(map[int]groth16.VerifyingKey, len(ks.circuits))
	for n, ck := range ks.circuits {
		keys[n] = ck.VerifyingKey
	}
	return &Groth16Verifier{keys: keys}
}

// Groth16Verifier checks transaction proofs against the public inputs.
type Groth16Verifier struct {
	keys map[int]groth16.VerifyingKey
}

// NewGroth16Verifier builds a verifier from verifying keys indexed by input count.
func NewGroth16Verifier(keys map[int]groth16.VerifyingKey) *Groth16Verifier {
	return &Groth16Verifier{keys: keys}
}

// Verify checks proof against public. It is a pure function of its arguments.
func (v *Groth16Verifier) Verify(proof []byte, public *PublicInputs) error {
	vk, ok := v.keys[len(public.InputNullifiers)]
	if !ok || len(public.OutputCommitments) != NumOutputs {
		return ErrUnsupportedShape
	}
	p := groth16.NewProof(ecc.BN254)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return fmt.Errorf("%w: cannot unmarshal proof: %v", ErrProofRejected, err)
	}
	w, err := frontend.NewWitness(publicAssignment(public), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: cannot build public witness: %v", ErrProofRejected, err)
	}
	if err := groth16.Verify(p, vk, w); err != nil {
		return fmt.Errorf("%w: %v", ErrProofRejected, err)
	}
	return nil
}

func publicAssignment(public *PublicInputs) *TransactionCircuit {
	a := NewTransactionCircuit(len(public.InputNullifiers), len(public.OutputCommitments), 0)
	a.Root = bigOf(public.Root)
	for i, nf := range public.InputNullifiers {
		a.InputNullifiers[i] = bigOf(nf)
	}
	for i, cm := range public.OutputCommitments {
		a.OutputCommitments[i] = bigOf(cm)
	}
	a.ExtDataHash = bigOf(public.ExtDataHash)
	a.DepositAmount = orZero(public.DepositAmount).ToBig()
	a.WithdrawAmount = orZero(public.WithdrawAmount).ToBig()
	return a
}

func bigOf(h common.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a BN254 Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a BN254 Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads the keys of ccs from disk, or generates and saves them.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}
