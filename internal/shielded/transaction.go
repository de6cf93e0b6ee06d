package shielded

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"shieldpool/internal/field"
)

// ExtData carries the parts of a transaction the circuit does not see directly. It is bound to
// the proof through its hash, which prevents a relayer from redirecting funds or ciphertexts.
type ExtData struct {
	Recipient        common.Address  `json:"recipient"`
	Relayer          common.Address  `json:"relayer"`
	DepositAmount    *uint256.Int    `json:"depositAmount"`
	WithdrawAmount   *uint256.Int    `json:"withdrawAmount"`
	Fee              *uint256.Int    `json:"fee"`
	L1Withdrawal     bool            `json:"isL1Withdrawal"`
	L1Fee            *uint256.Int    `json:"l1Fee"`
	EncryptedOutputs []hexutil.Bytes `json:"encryptedOutputs"`
}

type extDataRLP struct {
	Recipient        common.Address
	Relayer          common.Address
	DepositAmount    *big.Int
	WithdrawAmount   *big.Int
	Fee              *big.Int
	L1Withdrawal     bool
	L1Fee            *big.Int
	EncryptedOutputs []hexutil.Bytes
}

func (e *ExtData) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &extDataRLP{
		Recipient:        e.Recipient,
		Relayer:          e.Relayer,
		DepositAmount:    orZero(e.DepositAmount).ToBig(),
		WithdrawAmount:   orZero(e.WithdrawAmount).ToBig(),
		Fee:              orZero(e.Fee).ToBig(),
		L1Withdrawal:     e.L1Withdrawal,
		L1Fee:            orZero(e.L1Fee).ToBig(),
		EncryptedOutputs: e.EncryptedOutputs,
	})
}

func (e *ExtData) DecodeRLP(s *rlp.Stream) error {
	var dec extDataRLP
	if err := s.Decode(&dec); err != nil {
		return err
	}
	var err error
	e.Recipient, e.Relayer = dec.Recipient, dec.Relayer
	e.L1Withdrawal = dec.L1Withdrawal
	e.EncryptedOutputs = dec.EncryptedOutputs
	if e.DepositAmount, err = fromBig(dec.DepositAmount); err != nil {
		return err
	}
	if e.WithdrawAmount, err = fromBig(dec.WithdrawAmount); err != nil {
		return err
	}
	if e.Fee, err = fromBig(dec.Fee); err != nil {
		return err
	}
	e.L1Fee, err = fromBig(dec.L1Fee)
	return err
}

// Hash is keccak256 over the RLP encoding, reduced into the field.
func (e *ExtData) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(e)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode ext data: %w", err)
	}
	return field.Keccak(enc), nil
}

// PublicInputs are the values a proof is verified against, in circuit order.
type PublicInputs struct {
	Root              common.Hash   `json:"root"`
	InputNullifiers   []common.Hash `json:"inputNullifiers"`
	OutputCommitments []common.Hash `json:"outputCommitments"`
	ExtDataHash       common.Hash   `json:"extDataHash"`
	DepositAmount     *uint256.Int  `json:"depositAmount"`
	// WithdrawAmount is the total value leaving the pool, relayer fee included.
	WithdrawAmount *uint256.Int `json:"withdrawAmount"`
}

type publicInputsRLP struct {
	Root              common.Hash
	InputNullifiers   []common.Hash
	OutputCommitments []common.Hash
	ExtDataHash       common.Hash
	DepositAmount     *big.Int
	WithdrawAmount    *big.Int
}

func (p *PublicInputs) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &publicInputsRLP{
		Root:              p.Root,
		InputNullifiers:   p.InputNullifiers,
		OutputCommitments: p.OutputCommitments,
		ExtDataHash:       p.ExtDataHash,
		DepositAmount:     orZero(p.DepositAmount).ToBig(),
		WithdrawAmount:    orZero(p.WithdrawAmount).ToBig(),
	})
}

func (p *PublicInputs) DecodeRLP(s *rlp.Stream) error {
	var dec publicInputsRLP
	if err := s.Decode(&dec); err != nil {
		return err
	}
	var err error
	p.Root, p.ExtDataHash = dec.Root, dec.ExtDataHash
	p.InputNullifiers, p.OutputCommitments = dec.InputNullifiers, dec.OutputCommitments
	if p.DepositAmount, err = fromBig(dec.DepositAmount); err != nil {
		return err
	}
	p.WithdrawAmount, err = fromBig(dec.WithdrawAmount)
	return err
}

// Values flattens the inputs as [root, nullifiers.., commitments.., extDataHash, deposit, withdraw].
func (p *PublicInputs) Values() []common.Hash {
	out := make([]common.Hash, 0, 4+len(p.InputNullifiers)+len(p.OutputCommitments))
	out = append(out, p.Root)
	out = append(out, p.InputNullifiers...)
	out = append(out, p.OutputCommitments...)
	out = append(out, p.ExtDataHash)
	out = append(out, orZero(p.DepositAmount).Bytes32(), orZero(p.WithdrawAmount).Bytes32())
	return out
}

// Transaction is what a client submits: proof, public inputs and external data.
type Transaction struct {
	Proof  hexutil.Bytes `json:"proof"`
	Public PublicInputs  `json:"public"`
	Ext    ExtData       `json:"extData"`
}

// ID is the ext-data hash, unique per transaction because it commits to fresh ciphertexts.
func (tx *Transaction) ID() common.Hash { return tx.Public.ExtDataHash }

// EncodeTransaction serializes tx with RLP.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction parses an RLP encoded transaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := rlp.DecodeBytes(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOutOfRange
	}
	return out, nil
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int { return orZero(v) }
