package shielded

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	mathrand "math/rand/v2"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"shieldpool/internal/merkle"
)

var (
	ErrTooManyInputs  = errors.New("shielded: too many inputs")
	ErrTooManyOutputs = errors.New("shielded: too many outputs")
	ErrUnbalanced     = errors.New("shielded: inputs and deposit do not cover outputs and fee")
	ErrNoteNotInTree  = errors.New("shielded: input note is not in the tree snapshot")
)

// TreeView is the read side of the accumulator a prover needs: a consistent snapshot and
// membership paths against it.
type TreeView interface {
	Snapshot(ctx context.Context) (merkle.Snapshot, error)
	PathAt(ctx context.Context, index, size uint64) (merkle.Path, error)
}

// Request describes a transaction to prove. Inputs and outputs are padded with zero-amount
// notes. When Deposit is nil it is derived as whatever the outputs and fee need beyond the
// inputs; otherwise any surplus over outputs and fee is withdrawn to Recipient.
type Request struct {
	Inputs       []*Note
	Outputs      []*Note
	Deposit      *uint256.Int
	Fee          *uint256.Int
	Recipient    common.Address
	Relayer      common.Address
	L1Withdrawal bool
	L1Fee        *uint256.Int
}

// Prepared is a transaction with its witness, ready to be proven.
type Prepared struct {
	Tx         *Transaction
	Assignment *TransactionCircuit
	// Outputs are in the order their commitments will be inserted.
	Outputs []*Note
}

// DefaultProofSlots is the number of proofs a Prover computes at once.
const DefaultProofSlots = 2

// Prover builds witnesses and Groth16 proofs for transactions.
type Prover struct {
	keys  *KeySet
	tree  TreeView
	log   zerolog.Logger
	slots int64
	sem   *semaphore.Weighted
}

type ProverOption func(*Prover)

func WithProverLogger(l zerolog.Logger) ProverOption {
	return func(p *Prover) { p.log = l }
}

// WithProofSlots bounds the number of proofs computed at once. An abandoned proof keeps its
// slot until gnark returns.
func WithProofSlots(n int) ProverOption {
	return func(p *Prover) {
		if n > 0 {
			p.slots = int64(n)
		}
	}
}

func NewProver(keys *KeySet, tree TreeView, opts ...ProverOption) *Prover {
	p := &Prover{keys: keys, tree: tree, log: zerolog.Nop(), slots: DefaultProofSlots}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(p.slots)
	return p
}

// Prove prepares and proves req. It only reads the tree, so cancelling ctx leaves no trace.
// gnark cannot be interrupted: after cancellation the proof still runs to completion in the
// background, holding one of the prover's slots.
func (p *Prover) Prove(ctx context.Context, req *Request) (*Transaction, error) {
	prep, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			p.sem.Release(1)
		}
	}()
	ck, err := p.keys.Circuit(len(prep.Tx.Public.InputNullifiers))
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(prep.Assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}

	type result struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()
	release = false
	go func() {
		defer p.sem.Release(1)
		proof, err := groth16.Prove(ck.CCS, ck.ProvingKey, w)
		done <- result{proof, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", res.err)
	}
	var buf bytes.Buffer
	if _, err := res.proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	prep.Tx.Proof = buf.Bytes()
	p.log.Debug().
		Int("inputs", ck.Inputs).
		Dur("elapsed", time.Since(start)).
		Str("root", prep.Tx.Public.Root.Hex()).
		Msg("transaction proof generated")
	return prep.Tx, nil
}

// Prepare pads and shuffles the notes, settles the amounts, encrypts the outputs and builds the
// full witness against a fresh tree snapshot.
func (p *Prover) Prepare(ctx context.Context, req *Request) (*Prepared, error) {
	inputs, err := padInputs(req.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := padOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}
	mathrand.Shuffle(len(outputs), func(i, j int) { outputs[i], outputs[j] = outputs[j], outputs[i] })

	deposit, withdraw, err := settle(inputs, outputs, req.Deposit, orZero(req.Fee))
	if err != nil {
		return nil, err
	}
	publicWithdraw := new(uint256.Int).Add(withdraw, orZero(req.Fee))
	if deposit.Gt(MaxAmount) || publicWithdraw.Gt(MaxAmount) {
		return nil, ErrAmountOutOfRange
	}

	snap, err := p.tree.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tree: %w", err)
	}
	depth := p.keys.Depth

	a := NewTransactionCircuit(len(inputs), len(outputs), depth)
	public := PublicInputs{
		Root:              snap.Root,
		InputNullifiers:   make([]common.Hash, len(inputs)),
		OutputCommitments: make([]common.Hash, len(outputs)),
		DepositAmount:     deposit,
		WithdrawAmount:    publicWithdraw,
	}
	for i, in := range inputs {
		if !in.Keypair.CanSpend() {
			return nil, fmt.Errorf("input %d: %w", i, ErrNoPrivateKey)
		}
		siblings := make([]common.Hash, depth)
		if !in.Amount.IsZero() {
			if in.Index >= snap.Size {
				return nil, fmt.Errorf("input %d at index %d: %w", i, in.Index, ErrNoteNotInTree)
			}
			path, err := p.tree.PathAt(ctx, in.Index, snap.Size)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch path for index %d: %w", in.Index, err)
			}
			if len(path.Siblings) != depth || !merkle.VerifyPath(in.Commitment(), path, snap.Root) {
				return nil, fmt.Errorf("input %d at index %d: %w", i, in.Index, ErrNoteNotInTree)
			}
			siblings = path.Siblings
		}
		nf, err := in.Nullifier()
		if err != nil {
			return nil, err
		}
		public.InputNullifiers[i] = nf

		sk := in.Keypair.scalar()
		a.InAmount[i] = in.Amount.ToBig()
		a.InPrivateKey[i] = sk.BigInt(new(big.Int))
		a.InBlinding[i] = bigOf(in.Blinding)
		a.InPathIndex[i] = new(big.Int).SetUint64(in.Index)
		for l := range siblings {
			a.InPathElements[i][l] = bigOf(siblings[l])
		}
	}

	ext := ExtData{
		Recipient:        req.Recipient,
		Relayer:          req.Relayer,
		DepositAmount:    deposit,
		WithdrawAmount:   withdraw,
		Fee:              new(uint256.Int).Set(orZero(req.Fee)),
		L1Withdrawal:     req.L1Withdrawal,
		L1Fee:            new(uint256.Int).Set(orZero(req.L1Fee)),
		EncryptedOutputs: make([]hexutil.Bytes, len(outputs)),
	}
	for i, out := range outputs {
		public.OutputCommitments[i] = out.Commitment()
		ciphertext, err := out.Encrypt()
		if err != nil {
			return nil, err
		}
		ext.EncryptedOutputs[i] = ciphertext

		a.OutAmount[i] = out.Amount.ToBig()
		a.OutPublicKey[i] = bigOf(out.Keypair.PublicKey)
		a.OutBlinding[i] = bigOf(out.Blinding)
	}
	if public.ExtDataHash, err = ext.Hash(); err != nil {
		return nil, err
	}

	a.Root = bigOf(public.Root)
	for i := range public.InputNullifiers {
		a.InputNullifiers[i] = bigOf(public.InputNullifiers[i])
	}
	for i := range public.OutputCommitments {
		a.OutputCommitments[i] = bigOf(public.OutputCommitments[i])
	}
	a.ExtDataHash = bigOf(public.ExtDataHash)
	a.DepositAmount = deposit.ToBig()
	a.WithdrawAmount = publicWithdraw.ToBig()

	return &Prepared{
		Tx:         &Transaction{Public: public, Ext: ext},
		Assignment: a,
		Outputs:    outputs,
	}, nil
}

func padInputs(in []*Note) ([]*Note, error) {
	size := SmallInputs
	if len(in) > LargeInputs {
		return nil, ErrTooManyInputs
	} else if len(in) > SmallInputs {
		size = LargeInputs
	}
	out := append(make([]*Note, 0, size), in...)
	for len(out) < size {
		n, err := dummyNote()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func padOutputs(in []*Note) ([]*Note, error) {
	if len(in) > NumOutputs {
		return nil, ErrTooManyOutputs
	}
	out := append(make([]*Note, 0, NumOutputs), in...)
	for len(out) < NumOutputs {
		n, err := dummyNote()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// settle solves sum(in) + deposit == sum(out) + withdraw + fee.
func settle(inputs, outputs []*Note, deposit, fee *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	total, err := sum(inputs)
	if err != nil {
		return nil, nil, err
	}
	spend, err := sum(outputs)
	if err != nil {
		return nil, nil, err
	}
	if _, overflow := spend.AddOverflow(spend, fee); overflow {
		return nil, nil, ErrAmountOutOfRange
	}
	if deposit != nil {
		if _, overflow := total.AddOverflow(total, deposit); overflow {
			return nil, nil, ErrAmountOutOfRange
		}
		if total.Lt(spend) {
			return nil, nil, ErrUnbalanced
		}
		return new(uint256.Int).Set(deposit), new(uint256.Int).Sub(total, spend), nil
	}
	if total.Lt(spend) {
		return new(uint256.Int).Sub(spend, total), new(uint256.Int), nil
	}
	return new(uint256.Int), new(uint256.Int).Sub(total, spend), nil
}

func sum(notes []*Note) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, n := range notes {
		if _, overflow := total.AddOverflow(total, n.Amount); overflow {
			return nil, ErrAmountOutOfRange
		}
	}
	return total, nil
}

type localTree struct{ t *merkle.Tree }

// LocalTree adapts an in-process accumulator to TreeView.
func LocalTree(t *merkle.Tree) TreeView { return localTree{t} }

func (l localTree) Snapshot(ctx context.Context) (merkle.Snapshot, error) {
	return l.t.Snapshot(), ctx.Err()
}

func (l localTree) PathAt(ctx context.Context, index, size uint64) (merkle.Path, error) {
	if err := ctx.Err(); err != nil {
		return merkle.Path{}, err
	}
	return l.t.PathAt(index, size)
}
