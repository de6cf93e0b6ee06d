package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"shieldpool/internal/field"
	"shieldpool/internal/shielded"
)

// Kind classifies a transaction by the legs it settles.
type Kind uint8

const (
	PureTransfer Kind = iota
	DepositLeg
	WithdrawLeg
	Combined
)

func (k Kind) String() string {
	switch k {
	case PureTransfer:
		return "transfer"
	case DepositLeg:
		return "deposit"
	case WithdrawLeg:
		return "withdraw"
	case Combined:
		return "combined"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	for c := PureTransfer; c <= Combined; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("pool: unknown transaction kind %q", text)
}

// KindOf derives the kind from the external amounts.
func KindOf(ext *shielded.ExtData) Kind {
	deposit := !orZero(ext.DepositAmount).IsZero()
	withdraw := !orZero(ext.WithdrawAmount).IsZero()
	switch {
	case deposit && withdraw:
		return Combined
	case deposit:
		return DepositLeg
	case withdraw:
		return WithdrawLeg
	default:
		return PureTransfer
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedTransaction, fmt.Sprintf(format, args...))
}

// checkStructure performs the stateless checks shared by every kind.
func (p *Pool) checkStructure(tx *shielded.Transaction) (Kind, error) {
	pub, ext := &tx.Public, &tx.Ext

	switch n := len(pub.InputNullifiers); n {
	case shielded.SmallInputs, shielded.LargeInputs:
	default:
		return 0, malformed("unsupported input count %d", n)
	}
	if len(pub.OutputCommitments) != shielded.NumOutputs {
		return 0, malformed("expected %d output commitments, got %d", shielded.NumOutputs, len(pub.OutputCommitments))
	}
	if len(ext.EncryptedOutputs) != len(pub.OutputCommitments) {
		return 0, malformed("expected %d encrypted outputs, got %d", len(pub.OutputCommitments), len(ext.EncryptedOutputs))
	}
	if len(tx.Proof) == 0 {
		return 0, malformed("missing proof")
	}

	for _, h := range pub.Values() {
		if !field.Valid(h) {
			return 0, malformed("public input %s is not a field element", h.Hex())
		}
	}
	seen := make(map[common.Hash]struct{}, len(pub.InputNullifiers))
	for _, nf := range pub.InputNullifiers {
		if _, dup := seen[nf]; dup {
			return 0, malformed("duplicate nullifier %s", nf.Hex())
		}
		seen[nf] = struct{}{}
	}

	for _, v := range []*uint256.Int{pub.DepositAmount, pub.WithdrawAmount, ext.DepositAmount, ext.WithdrawAmount, ext.Fee, ext.L1Fee} {
		if orZero(v).Gt(shielded.MaxAmount) {
			return 0, ErrAmountOutOfRange
		}
	}
	if orZero(ext.DepositAmount).Gt(p.config.MaxDeposit) {
		return 0, fmt.Errorf("%w: deposit %s exceeds maximum %s", ErrAmountOutOfRange, ext.DepositAmount, p.config.MaxDeposit)
	}

	kind := KindOf(ext)
	withdraw := orZero(ext.WithdrawAmount)
	if kind == WithdrawLeg || kind == Combined {
		if ext.Recipient == (common.Address{}) {
			return 0, malformed("withdrawal to zero address")
		}
	}
	if ext.L1Withdrawal {
		if withdraw.IsZero() {
			return 0, malformed("L1 withdrawal without amount")
		}
		if withdraw.Lt(p.config.MinWithdrawal) {
			return 0, fmt.Errorf("%w: L1 withdrawal %s below minimum %s", ErrAmountOutOfRange, withdraw, p.config.MinWithdrawal)
		}
		if orZero(ext.L1Fee).Gt(withdraw) {
			return 0, malformed("L1 fee exceeds withdrawal")
		}
	} else if !orZero(ext.L1Fee).IsZero() {
		return 0, malformed("L1 fee on an L2 withdrawal")
	}
	if !orZero(ext.Fee).IsZero() && ext.Relayer == (common.Address{}) {
		return 0, malformed("fee without relayer")
	}

	h, err := ext.Hash()
	if err != nil {
		return 0, malformed("%v", err)
	}
	if h != pub.ExtDataHash {
		return 0, ErrExtDataHash
	}
	return kind, nil
}

// checkAmounts binds the proven amounts to the external data and the custody movement.
func checkAmounts(tx *shielded.Transaction, leg Settlement) error {
	pub, ext := &tx.Public, &tx.Ext
	deposit := orZero(pub.DepositAmount)
	if !deposit.Eq(orZero(ext.DepositAmount)) {
		return fmt.Errorf("%w: proven deposit %s, declared %s", ErrAmountMismatch, deposit, orZero(ext.DepositAmount))
	}
	if !deposit.Eq(orZero(leg.Deposited)) {
		return fmt.Errorf("%w: proven deposit %s, received %s", ErrAmountMismatch, deposit, orZero(leg.Deposited))
	}
	out, overflow := new(uint256.Int).AddOverflow(orZero(ext.WithdrawAmount), orZero(ext.Fee))
	if overflow || !out.Eq(orZero(pub.WithdrawAmount)) {
		return fmt.Errorf("%w: proven withdrawal %s, declared %s plus fee %s", ErrAmountMismatch,
			orZero(pub.WithdrawAmount), orZero(ext.WithdrawAmount), orZero(ext.Fee))
	}
	return nil
}
