package shielded

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// Supported circuit shapes.
const (
	SmallInputs = 2
	LargeInputs = 16
	NumOutputs  = 2
)

// TransactionCircuit proves that the spent notes exist under Root, that their nullifiers are
// derived correctly, that the output commitments are well formed and that
//
//	sum(inputs) + DepositAmount == sum(outputs) + WithdrawAmount
//
// Public fields are declared in wire order; the slices are sized by NewTransactionCircuit.
type TransactionCircuit struct {
	Root              frontend.Variable   `gnark:",public"`
	InputNullifiers   []frontend.Variable `gnark:",public"`
	OutputCommitments []frontend.Variable `gnark:",public"`
	ExtDataHash       frontend.Variable   `gnark:",public"`
	DepositAmount     frontend.Variable   `gnark:",public"`
	WithdrawAmount    frontend.Variable   `gnark:",public"`

	InAmount       []frontend.Variable
	InPrivateKey   []frontend.Variable
	InBlinding     []frontend.Variable
	InPathIndex    []frontend.Variable
	InPathElements [][]frontend.Variable

	OutAmount    []frontend.Variable
	OutPublicKey []frontend.Variable
	OutBlinding  []frontend.Variable
}

// NewTransactionCircuit allocates a circuit with the given number of inputs, outputs and tree depth.
func NewTransactionCircuit(inputs, outputs, depth int) *TransactionCircuit {
	c := &TransactionCircuit{
		InputNullifiers:   make([]frontend.Variable, inputs),
		OutputCommitments: make([]frontend.Variable, outputs),
		InAmount:          make([]frontend.Variable, inputs),
		InPrivateKey:      make([]frontend.Variable, inputs),
		InBlinding:        make([]frontend.Variable, inputs),
		InPathIndex:       make([]frontend.Variable, inputs),
		InPathElements:    make([][]frontend.Variable, inputs),
		OutAmount:         make([]frontend.Variable, outputs),
		OutPublicKey:      make([]frontend.Variable, outputs),
		OutBlinding:       make([]frontend.Variable, outputs),
	}
	for i := range c.InPathElements {
		c.InPathElements[i] = make([]frontend.Variable, depth)
	}
	return c
}

func (c *TransactionCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hash := func(vs ...frontend.Variable) frontend.Variable {
		hasher.Reset()
		hasher.Write(vs...)
		return hasher.Sum()
	}

	depth := len(c.InPathElements[0])
	sumIns := frontend.Variable(0)
	for i := range c.InAmount {
		api.ToBinary(c.InAmount[i], AmountBits)

		publicKey := hash(c.InPrivateKey[i])
		commitment := hash(c.InAmount[i], publicKey, c.InBlinding[i])
		signature := hash(c.InPrivateKey[i], commitment, c.InPathIndex[i])
		nullifier := hash(commitment, c.InPathIndex[i], signature)
		api.AssertIsEqual(c.InputNullifiers[i], nullifier)

		bits := api.ToBinary(c.InPathIndex[i], depth)
		node := commitment
		for level := 0; level < depth; level++ {
			sibling := c.InPathElements[i][level]
			left := api.Select(bits[level], sibling, node)
			right := api.Select(bits[level], node, sibling)
			node = hash(left, right)
		}
		// zero-amount inputs are padding and need not be in the tree
		api.AssertIsEqual(api.Mul(c.InAmount[i], api.Sub(c.Root, node)), 0)

		sumIns = api.Add(sumIns, c.InAmount[i])
	}

	for i := range c.InputNullifiers {
		for j := i + 1; j < len(c.InputNullifiers); j++ {
			api.AssertIsDifferent(c.InputNullifiers[i], c.InputNullifiers[j])
		}
	}

	sumOuts := frontend.Variable(0)
	for i := range c.OutAmount {
		api.ToBinary(c.OutAmount[i], AmountBits)
		commitment := hash(c.OutAmount[i], c.OutPublicKey[i], c.OutBlinding[i])
		api.AssertIsEqual(c.OutputCommitments[i], commitment)
		sumOuts = api.Add(sumOuts, c.OutAmount[i])
	}

	api.ToBinary(c.DepositAmount, AmountBits)
	api.ToBinary(c.WithdrawAmount, AmountBits)
	api.AssertIsEqual(api.Add(sumIns, c.DepositAmount), api.Add(sumOuts, c.WithdrawAmount))

	// an input absent from every constraint would not be bound by the proof
	square := api.Mul(c.ExtDataHash, c.ExtDataHash)
	api.AssertIsEqual(square, api.Mul(c.ExtDataHash, c.ExtDataHash))
	return nil
}
