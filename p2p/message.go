package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
)

// Message types pushed on the event stream. A subscriber first receives a snapshot; insert
// events with an index below its size are already reflected in it.
const (
	MsgSnapshot = "snapshot"
	MsgInsert   = "insert"
	MsgSpend    = "spend"
)

// Message is the generic envelope for any message sent over the network.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

func newMessage(sender, typ string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %v", err)
	}
	return &Message{Type: typ, Payload: raw, SenderID: sender}, nil
}

// Insert decodes the payload of an insert message.
func (m *Message) Insert() (pool.InsertEvent, error) {
	var ev pool.InsertEvent
	if m.Type != MsgInsert {
		return ev, fmt.Errorf("message type %q is not %q", m.Type, MsgInsert)
	}
	err := json.Unmarshal(m.Payload, &ev)
	return ev, err
}

// Spend decodes the payload of a spend message.
func (m *Message) Spend() (pool.SpendEvent, error) {
	var ev pool.SpendEvent
	if m.Type != MsgSpend {
		return ev, fmt.Errorf("message type %q is not %q", m.Type, MsgSpend)
	}
	err := json.Unmarshal(m.Payload, &ev)
	return ev, err
}

// Snapshot decodes the payload of a snapshot message.
func (m *Message) Snapshot() (merkle.Snapshot, error) {
	var snap merkle.Snapshot
	if m.Type != MsgSnapshot {
		return snap, fmt.Errorf("message type %q is not %q", m.Type, MsgSnapshot)
	}
	err := json.Unmarshal(m.Payload, &snap)
	return snap, err
}

// PathResponse is a membership path with the snapshot it was computed against.
type PathResponse struct {
	Index      uint64        `json:"index"`
	Size       uint64        `json:"size"`
	Siblings   []common.Hash `json:"siblings"`
	Directions []uint        `json:"directions"`
}

func newPathResponse(p merkle.Path, size uint64) PathResponse {
	dirs := make([]uint, len(p.Directions))
	for i, d := range p.Directions {
		dirs[i] = uint(d)
	}
	return PathResponse{Index: p.Index, Size: size, Siblings: p.Siblings, Directions: dirs}
}

func (r PathResponse) Path() (merkle.Path, error) {
	if len(r.Siblings) != len(r.Directions) {
		return merkle.Path{}, errors.New("path has mismatched siblings and directions")
	}
	dirs := make([]uint8, len(r.Directions))
	for i, d := range r.Directions {
		if d > 1 {
			return merkle.Path{}, fmt.Errorf("invalid direction %d at level %d", d, i)
		}
		dirs[i] = uint8(d)
	}
	return merkle.Path{Index: r.Index, Siblings: r.Siblings, Directions: dirs}, nil
}

// NullifierResponse reports whether a nullifier is spent.
type NullifierResponse struct {
	Nullifier common.Hash `json:"nullifier"`
	Spent     bool        `json:"spent"`
}

// RegisterRequest publishes an account, optionally together with a first transaction.
type RegisterRequest struct {
	Account     *register.Account     `json:"account"`
	Transaction *shielded.Transaction `json:"transaction,omitempty"`
}

// AccountResponse is the registered shielded address of an owner.
type AccountResponse struct {
	Owner   common.Address `json:"owner"`
	Address string         `json:"address"`
	Receipt *pool.Receipt  `json:"receipt,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// errorCodes maps sentinel errors to wire codes and HTTP statuses. Wrapping errors come first.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{bridge.ErrDepositAmountMismatch, "deposit_amount_mismatch", http.StatusUnprocessableEntity},
	{pool.ErrAlreadySpent, "already_spent", http.StatusConflict},
	{pool.ErrUnknownRoot, "unknown_root", http.StatusGone},
	{pool.ErrInvalidProof, "invalid_proof", http.StatusUnprocessableEntity},
	{pool.ErrAmountMismatch, "amount_mismatch", http.StatusUnprocessableEntity},
	{pool.ErrExtDataHash, "ext_data_hash", http.StatusUnprocessableEntity},
	{pool.ErrAmountOutOfRange, "amount_out_of_range", http.StatusUnprocessableEntity},
	{pool.ErrCapacityExceeded, "capacity_exceeded", http.StatusInsufficientStorage},
	{pool.ErrMalformedTransaction, "malformed_transaction", http.StatusBadRequest},
	{pool.ErrPoolHalted, "halted", http.StatusServiceUnavailable},
	{bridge.ErrMalformedPayload, "malformed_payload", http.StatusBadRequest},
	{bridge.ErrUnknownToken, "unknown_token", http.StatusForbidden},
	{register.ErrNotRegistered, "not_registered", http.StatusNotFound},
	{register.ErrInvalidSignature, "invalid_signature", http.StatusUnauthorized},
	{shielded.ErrInvalidAddress, "invalid_address", http.StatusBadRequest},
	{merkle.ErrIndexOutOfRange, "index_out_of_range", http.StatusNotFound},
	{merkle.ErrSizeOutOfRange, "size_out_of_range", http.StatusBadRequest},
}

func encodeError(err error) (int, ErrorResponse) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, ErrorResponse{Error: err.Error(), Code: c.code, Retryable: pool.Retryable(err)}
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "internal"}
}

// decodeError rebuilds a sentinel-wrapping error from a reply.
func decodeError(status int, body ErrorResponse) error {
	for _, c := range errorCodes {
		if c.code == body.Code {
			return fmt.Errorf("%w: %s", c.err, body.Error)
		}
	}
	return fmt.Errorf("peer returned status %d: %s", status, body.Error)
}
