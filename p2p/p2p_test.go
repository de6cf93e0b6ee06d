package p2p

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
)

const (
	testDepth   = 5
	bridgeToken = "s3cret"
)

var (
	bridgeAddress = common.HexToAddress("0x0000000000000000000000000000000000000b1d")
	tokenAddress  = common.HexToAddress("0x00000000000000000000000000000000000070c1")
	recipient     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

var acceptAll = pool.VerifierFunc(func([]byte, *shielded.PublicInputs) error { return nil })

type fixture struct {
	pool   *pool.Pool
	node   *Node
	client *Client
	// prover proves against the remote node, not the local pool.
	prover *shielded.Prover
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	config := pool.DefaultConfig
	config.TreeDepth = testDepth
	p, err := pool.Open(config, acceptAll)
	require.NoError(t, err)

	adapter := bridge.New(bridgeAddress, tokenAddress, p)
	registry := register.NewRegistry(zerolog.Nop())
	node := NewNode("pool-0", "127.0.0.1:0", p, append([]Option{WithDepositor(adapter, bridgeToken), WithRegistrar(registry)}, opts...)...)
	require.NoError(t, node.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, node.Shutdown(ctx))
		assert.NoError(t, p.Close())
	})

	client := NewClient(node.Address).WithBridgeToken(bridgeToken)
	return &fixture{
		pool:   p,
		node:   node,
		client: client,
		prover: shielded.NewProver(&shielded.KeySet{Depth: testDepth}, client),
	}
}

func (f *fixture) prepare(t *testing.T, req *shielded.Request) (*shielded.Transaction, []*shielded.Note) {
	t.Helper()
	prep, err := f.prover.Prepare(context.Background(), req)
	require.NoError(t, err)
	prep.Tx.Proof = []byte{0x01}
	return prep.Tx, prep.Outputs
}

func (f *fixture) delivery(t *testing.T, tx *shielded.Transaction, amount uint64) *bridge.Delivery {
	t.Helper()
	payload, err := bridge.EncodePayload(tx)
	require.NoError(t, err)
	return &bridge.Delivery{
		Sender:  bridgeAddress,
		Token:   tokenAddress,
		Amount:  uint256.NewInt(amount),
		Payload: payload,
	}
}

// deposit bridges amount into a note owned by kp through the node.
func (f *fixture) deposit(t *testing.T, amount uint64, kp *shielded.Keypair) *shielded.Note {
	t.Helper()
	n, err := shielded.NewNote(uint256.NewInt(amount), kp)
	require.NoError(t, err)
	tx, outs := f.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
	receipt, err := f.client.Deliver(context.Background(), f.delivery(t, tx, amount))
	require.NoError(t, err)
	for i, out := range outs {
		out.Index = receipt.FirstIndex + uint64(i)
	}
	return n
}

func (f *fixture) withdrawal(t *testing.T, in *shielded.Note) *shielded.Transaction {
	t.Helper()
	tx, _ := f.prepare(t, &shielded.Request{Inputs: []*shielded.Note{in}, Recipient: recipient})
	return tx
}

func TestTreeQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root, err := f.client.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.pool.Root(), root)

	f.deposit(t, 100, nil)
	f.deposit(t, 200, nil)

	snap, err := f.client.Snapshot(ctx)
	require.NoError(t, err)
	local, err := f.pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, local, snap)
	assert.EqualValues(t, 4, snap.Size)

	for index := uint64(0); index < snap.Size; index++ {
		path, err := f.client.PathAt(ctx, index, snap.Size)
		require.NoError(t, err)
		want, err := f.pool.PathAt(ctx, index, snap.Size)
		require.NoError(t, err)
		assert.Equal(t, want, path)
	}

	events, err := f.client.Commitments(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 1, events[0].Index)
	assert.Equal(t, f.pool.Commitments(1, 3), events)

	events, err = f.client.Commitments(ctx, 10, 20)
	require.NoError(t, err)
	assert.Empty(t, events)

	stats, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Leaves)
	assert.Equal(t, uint256.NewInt(300), stats.Held)
}

func TestCommitmentsArePaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPageSize(3))
	for i := 0; i < 3; i++ {
		f.deposit(t, 10, nil)
	}

	events, err := f.client.Commitments(ctx, 0, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 2, events[2].Index)

	events, err = f.client.Commitments(ctx, 4, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 4, events[0].Index)

	events, err = f.client.Commitments(ctx, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPathErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 100, nil)

	_, err := f.client.PathAt(ctx, 5, 2)
	assert.ErrorIs(t, err, merkle.ErrIndexOutOfRange)

	_, err = f.client.PathAt(ctx, 0, 1<<testDepth+1)
	assert.ErrorIs(t, err, merkle.ErrSizeOutOfRange)
}

func TestRemoteSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	note := f.deposit(t, 500, nil)

	tx := f.withdrawal(t, note)
	receipt, err := f.client.Transact(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, pool.WithdrawLeg, receipt.Kind)
	assert.Equal(t, f.pool.Root(), receipt.Root)

	for _, nf := range tx.Public.InputNullifiers {
		spent, err := f.client.IsSpent(ctx, nf)
		require.NoError(t, err)
		assert.True(t, spent)
	}
	spent, err := f.client.IsSpent(ctx, common.HexToHash("0x42"))
	require.NoError(t, err)
	assert.False(t, spent)

	_, err = f.client.Transact(ctx, tx)
	assert.ErrorIs(t, err, pool.ErrAlreadySpent)

	stale := f.withdrawal(t, note)
	stale.Public.Root = common.HexToHash("0x1234")
	_, err = f.client.Transact(ctx, stale)
	assert.ErrorIs(t, err, pool.ErrUnknownRoot)
	assert.True(t, pool.Retryable(err))
}

func TestBridgeEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, err := shielded.NewNote(uint256.NewInt(100), nil)
	require.NoError(t, err)
	tx, _ := f.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})

	anonymous := NewClient(f.node.Address)
	_, err = anonymous.Deliver(ctx, f.delivery(t, tx, 100))
	assert.ErrorContains(t, err, "401")

	_, err = f.client.Deliver(ctx, f.delivery(t, tx, 99))
	assert.ErrorIs(t, err, bridge.ErrDepositAmountMismatch)
	assert.ErrorIs(t, err, pool.ErrAmountMismatch)

	d := f.delivery(t, tx, 100)
	d.Token = common.HexToAddress("0xdead")
	_, err = f.client.Deliver(ctx, d)
	assert.ErrorIs(t, err, bridge.ErrUnknownToken)

	// Deposits cannot bypass the bridge.
	_, err = f.client.Transact(ctx, tx)
	assert.ErrorIs(t, err, pool.ErrAmountMismatch)

	first, err := f.client.Deliver(ctx, f.delivery(t, tx, 100))
	require.NoError(t, err)
	again, err := f.client.Deliver(ctx, f.delivery(t, tx, 100))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 2, f.pool.Stats().Leaves)
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	kp, err := shielded.NewKeypair()
	require.NoError(t, err)
	account, err := register.SignAccount(key, kp)
	require.NoError(t, err)

	_, err = f.client.Lookup(ctx, account.Owner)
	assert.ErrorIs(t, err, register.ErrNotRegistered)

	resp, err := f.client.Register(ctx, account, nil)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), resp.Address)
	assert.Nil(t, resp.Receipt)

	receiver, err := f.client.Lookup(ctx, account.Owner)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), receiver.Address())
	assert.False(t, receiver.CanSpend())

	forged := *account
	forged.Owner = common.HexToAddress("0xbeef")
	_, err = f.client.Register(ctx, &forged, nil)
	assert.ErrorIs(t, err, register.ErrInvalidSignature)

	// Registration and a first transfer to the registered key in one request.
	note := f.deposit(t, 100, nil)
	gift, err := shielded.NewNote(uint256.NewInt(100), receiver)
	require.NoError(t, err)
	tx, _ := f.prepare(t, &shielded.Request{Inputs: []*shielded.Note{note}, Outputs: []*shielded.Note{gift}})
	resp, err = f.client.Register(ctx, account, tx)
	require.NoError(t, err)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, pool.PureTransfer, resp.Receipt.Kind)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	base := "http://" + f.node.Address
	for _, path := range []string{
		"/path/abc",
		"/path/0?size=x",
		"/commitments?from=x",
		"/nullifiers/0x1234",
		"/accounts/nobody",
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(base + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Post(base+"/tx", "application/json", http.NoBody)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	note := f.deposit(t, 500, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := make(chan Message, 16)
	done := make(chan error, 1)
	go func() { done <- f.client.Subscribe(ctx, messages) }()

	next := func() Message {
		t.Helper()
		select {
		case msg := <-messages:
			assert.Equal(t, "pool-0", msg.SenderID)
			return msg
		case err := <-done:
			t.Fatalf("subscription ended: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return Message{}
	}

	msg := next()
	snap, err := msg.Snapshot()
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Size)

	tx := f.withdrawal(t, note)
	_, err = f.client.Transact(context.Background(), tx)
	require.NoError(t, err)

	var inserts []pool.InsertEvent
	var spends []common.Hash
	for len(inserts) < 2 || len(spends) < len(tx.Public.InputNullifiers) {
		msg := next()
		switch msg.Type {
		case MsgInsert:
			ev, err := msg.Insert()
			require.NoError(t, err)
			if ev.Index >= snap.Size {
				inserts = append(inserts, ev)
			}
		case MsgSpend:
			ev, err := msg.Spend()
			require.NoError(t, err)
			spends = append(spends, ev.Nullifier)
		default:
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	assert.EqualValues(t, 2, inserts[0].Index)
	assert.EqualValues(t, 3, inserts[1].Index)
	assert.Equal(t, tx.Public.OutputCommitments[0], inserts[0].Commitment)
	assert.ElementsMatch(t, tx.Public.InputNullifiers, spends)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{pool.ErrAlreadySpent, http.StatusConflict, "already_spent"},
		{pool.ErrUnknownRoot, http.StatusGone, "unknown_root"},
		{pool.ErrCapacityExceeded, http.StatusInsufficientStorage, "capacity_exceeded"},
		{pool.ErrPoolHalted, http.StatusServiceUnavailable, "halted"},
		{bridge.ErrDepositAmountMismatch, http.StatusUnprocessableEntity, "deposit_amount_mismatch"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, body := encodeError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, pool.Retryable(tt.err), body.Retryable)

			decoded := decodeError(status, body)
			if tt.code != "internal" {
				assert.ErrorIs(t, decoded, tt.err)
			}
			assert.Contains(t, decoded.Error(), tt.err.Error())
		})
	}
}
