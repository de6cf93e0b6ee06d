package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/merkle"
	"shieldpool/internal/shielded"
)

const testDepth = 5

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// acceptAll stands in for the Groth16 verifier; the witnesses built by Prepare are sound.
var acceptAll = VerifierFunc(func([]byte, *shielded.PublicInputs) error { return nil })

type recordingCustody struct {
	mu      sync.Mutex
	payouts []*Payout
	err     error
}

func (c *recordingCustody) Release(_ context.Context, p *Payout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.payouts = append(c.payouts, p)
	return nil
}

type harness struct {
	pool    *Pool
	prover  *shielded.Prover
	custody *recordingCustody
}

func testConfig() Config {
	config := DefaultConfig
	config.TreeDepth = testDepth
	return config
}

func newHarness(t *testing.T, config Config, verifier ProofVerifier, opts ...Option) *harness {
	t.Helper()
	custody := &recordingCustody{}
	p, err := Open(config, verifier, append([]Option{WithCustody(custody)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return &harness{
		pool:    p,
		prover:  shielded.NewProver(&shielded.KeySet{Depth: p.Config().TreeDepth}, p),
		custody: custody,
	}
}

func (h *harness) prepare(t *testing.T, req *shielded.Request) (*shielded.Transaction, []*shielded.Note) {
	t.Helper()
	prep, err := h.prover.Prepare(context.Background(), req)
	require.NoError(t, err)
	prep.Tx.Proof = []byte{0x01}
	return prep.Tx, prep.Outputs
}

func place(receipt *Receipt, outputs []*shielded.Note) {
	for i, n := range outputs {
		n.Index = receipt.FirstIndex + uint64(i)
	}
}

// deposit bridges amount into a fresh note owned by kp.
func (h *harness) deposit(t *testing.T, amount uint64, kp *shielded.Keypair) *shielded.Note {
	t.Helper()
	n, err := shielded.NewNote(uint256.NewInt(amount), kp)
	require.NoError(t, err)
	tx, outs := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
	receipt, err := h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(amount)})
	require.NoError(t, err)
	require.Equal(t, DepositLeg, receipt.Kind)
	place(receipt, outs)
	return n
}

func (h *harness) withdrawal(t *testing.T, in *shielded.Note, change uint64) *shielded.Transaction {
	t.Helper()
	out, err := shielded.NewNote(uint256.NewInt(change), in.Keypair)
	require.NoError(t, err)
	tx, _ := h.prepare(t, &shielded.Request{
		Inputs:    []*shielded.Note{in},
		Outputs:   []*shielded.Note{out},
		Fee:       uint256.NewInt(10),
		Recipient: recipient,
		Relayer:   relayer,
	})
	return tx
}

func TestOpenRejectsBadConfig(t *testing.T) {
	config := testConfig()
	config.MinWithdrawal = uint256.NewInt(10)
	config.MaxDeposit = uint256.NewInt(5)
	_, err := Open(config, acceptAll)
	assert.Error(t, err)

	_, err = Open(testConfig(), nil)
	assert.Error(t, err)
}

func TestDepositWithdrawTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), acceptAll)
	alice, err := shielded.NewKeypair()
	require.NoError(t, err)
	bob, err := shielded.NewKeypair()
	require.NoError(t, err)

	note := h.deposit(t, 1000, alice)
	stats := h.pool.Stats()
	assert.EqualValues(t, 2, stats.Leaves)
	assert.Equal(t, uint256.NewInt(1000), stats.Held)

	tx := h.withdrawal(t, note, 300)
	receipt, err := h.pool.Transact(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, WithdrawLeg, receipt.Kind)
	assert.EqualValues(t, 2, receipt.FirstIndex)
	assert.Equal(t, Applied, h.pool.Status(tx.ID()))

	require.Len(t, h.custody.payouts, 1)
	payout := h.custody.payouts[0]
	assert.Equal(t, recipient, payout.Recipient)
	assert.Equal(t, uint256.NewInt(690), payout.Amount)
	assert.Equal(t, relayer, payout.Relayer)
	assert.Equal(t, uint256.NewInt(10), payout.Fee)
	assert.False(t, payout.L1)

	stats = h.pool.Stats()
	assert.Equal(t, uint256.NewInt(1000), stats.Deposited)
	assert.Equal(t, uint256.NewInt(700), stats.Released)
	assert.Equal(t, uint256.NewInt(300), stats.Held)
	for _, nf := range tx.Public.InputNullifiers {
		assert.True(t, h.pool.IsSpent(nf))
	}

	// Alice finds her change by trial decryption and pays Bob.
	candidates := make([]shielded.Candidate, 0)
	for _, ev := range h.pool.Commitments(0, 100) {
		candidates = append(candidates, ev.Candidate())
	}
	owned, err := shielded.Scan(ctx, alice, candidates)
	require.NoError(t, err)
	var change *shielded.Note
	for _, n := range owned {
		if n.Amount.Uint64() == 300 {
			change = n
		}
	}
	require.NotNil(t, change)
	assert.False(t, h.pool.IsSpent(mustNullifier(t, change)))

	bobAddress, err := shielded.KeypairFromAddress(bob.Address())
	require.NoError(t, err)
	gift, err := shielded.NewNote(uint256.NewInt(300), bobAddress)
	require.NoError(t, err)
	transfer, _ := h.prepare(t, &shielded.Request{Inputs: []*shielded.Note{change}, Outputs: []*shielded.Note{gift}})
	receipt, err = h.pool.Transact(ctx, transfer)
	require.NoError(t, err)
	assert.Equal(t, PureTransfer, receipt.Kind)
	assert.Len(t, h.custody.payouts, 1)

	received, err := shielded.Scan(ctx, bob, candidatesOf(h.pool.Commitments(receipt.FirstIndex, receipt.FirstIndex+2)))
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, uint256.NewInt(300), received[0].Amount)
	assert.Equal(t, uint256.NewInt(300), h.pool.Stats().Held)
}

func candidatesOf(events []InsertEvent) []shielded.Candidate {
	out := make([]shielded.Candidate, len(events))
	for i, ev := range events {
		out[i] = ev.Candidate()
	}
	return out
}

func mustNullifier(t *testing.T, n *shielded.Note) common.Hash {
	t.Helper()
	nf, err := n.Nullifier()
	require.NoError(t, err)
	return nf
}

func TestDoubleSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 1000, nil)

	tx := h.withdrawal(t, note, 0)
	_, err := h.pool.Transact(ctx, tx)
	require.NoError(t, err)
	root := h.pool.Root()

	_, err = h.pool.Transact(ctx, tx)
	assert.ErrorIs(t, err, ErrAlreadySpent)

	again := h.withdrawal(t, note, 100)
	_, err = h.pool.Transact(ctx, again)
	assert.ErrorIs(t, err, ErrAlreadySpent)
	assert.False(t, Retryable(err))
	assert.Equal(t, Rejected, h.pool.Status(again.ID()))
	assert.Equal(t, root, h.pool.Root())
	assert.Len(t, h.custody.payouts, 1)
}

func TestConcurrentDoubleSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 1000, nil)

	const racers = 8
	txs := make([]*shielded.Transaction, racers)
	for i := range txs {
		txs[i] = h.withdrawal(t, note, uint64(i))
	}
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.pool.Transact(ctx, txs[i])
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadySpent)
	}
	assert.Equal(t, 1, applied)
	assert.EqualValues(t, 4, h.pool.Stats().Leaves)
	assert.Len(t, h.custody.payouts, 1)
}

func TestUnknownRoot(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 1000, nil)
	tx := h.withdrawal(t, note, 0)
	tx.Public.Root = common.HexToHash("0x1234")

	_, err := h.pool.Transact(context.Background(), tx)
	assert.ErrorIs(t, err, ErrUnknownRoot)
	assert.True(t, Retryable(err))
	assert.False(t, h.pool.IsKnownRoot(common.Hash{}))
}

func TestRootHistoryWindow(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.RootHistorySize = 4
	h := newHarness(t, config, acceptAll)
	first := h.deposit(t, 100, nil)
	second := h.deposit(t, 100, nil)

	// Proven against the current root, then overtaken by one deposit: still in the window.
	stale := h.withdrawal(t, first, 0)
	h.deposit(t, 100, nil)
	_, err := h.pool.Transact(ctx, stale)
	require.NoError(t, err)

	// Two more transactions push four newer roots and evict the snapshot root.
	evicted := h.withdrawal(t, second, 0)
	h.deposit(t, 100, nil)
	h.deposit(t, 100, nil)
	assert.False(t, h.pool.IsKnownRoot(evicted.Public.Root))
	_, err = h.pool.Transact(ctx, evicted)
	assert.ErrorIs(t, err, ErrUnknownRoot)

	// Refreshing the snapshot resolves it.
	fresh := h.withdrawal(t, second, 0)
	_, err = h.pool.Transact(ctx, fresh)
	assert.NoError(t, err)
}

func TestAmountBinding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), acceptAll)
	n, err := shielded.NewNote(uint256.NewInt(500), nil)
	require.NoError(t, err)
	tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})

	_, err = h.pool.ApplyTransaction(ctx, tx, Settlement{Deposited: uint256.NewInt(499)})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	_, err = h.pool.Transact(ctx, tx)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	tx.Public.WithdrawAmount = uint256.NewInt(1)
	_, err = h.pool.ApplyTransaction(ctx, tx, Settlement{Deposited: uint256.NewInt(500)})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.EqualValues(t, 0, h.pool.Stats().Leaves)
}

func TestExtDataTampering(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 1000, nil)
	tx := h.withdrawal(t, note, 0)
	tx.Ext.Recipient = common.HexToAddress("0xbad")

	_, err := h.pool.Transact(context.Background(), tx)
	assert.ErrorIs(t, err, ErrExtDataHash)
	assert.Empty(t, h.custody.payouts)
}

func TestInvalidProof(t *testing.T) {
	errBad := errors.New("bad proof")
	h := newHarness(t, testConfig(), VerifierFunc(func([]byte, *shielded.PublicInputs) error { return errBad }))
	n, err := shielded.NewNote(uint256.NewInt(500), nil)
	require.NoError(t, err)
	tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
	root := h.pool.Root()

	_, err = h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(500)})
	assert.ErrorIs(t, err, ErrInvalidProof)
	assert.Equal(t, Rejected, h.pool.Status(tx.ID()))
	assert.Equal(t, root, h.pool.Root())
	for _, nf := range tx.Public.InputNullifiers {
		assert.False(t, h.pool.IsSpent(nf))
	}
}

func TestStructuralChecks(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.MaxDeposit = uint256.NewInt(800)
	config.MinWithdrawal = uint256.NewInt(500)
	h := newHarness(t, config, acceptAll)
	note := h.deposit(t, 700, nil)

	tests := []struct {
		name   string
		mutate func(tx *shielded.Transaction)
		want   error
	}{
		{"missing proof", func(tx *shielded.Transaction) { tx.Proof = nil }, ErrMalformedTransaction},
		{"three nullifiers", func(tx *shielded.Transaction) {
			tx.Public.InputNullifiers = append(tx.Public.InputNullifiers, common.HexToHash("0x01"))
		}, ErrMalformedTransaction},
		{"one output", func(tx *shielded.Transaction) {
			tx.Public.OutputCommitments = tx.Public.OutputCommitments[:1]
		}, ErrMalformedTransaction},
		{"duplicate nullifier", func(tx *shielded.Transaction) {
			tx.Public.InputNullifiers[1] = tx.Public.InputNullifiers[0]
		}, ErrMalformedTransaction},
		{"non canonical nullifier", func(tx *shielded.Transaction) {
			tx.Public.InputNullifiers[0] = common.MaxHash
		}, ErrMalformedTransaction},
		{"missing ciphertext", func(tx *shielded.Transaction) {
			tx.Ext.EncryptedOutputs = tx.Ext.EncryptedOutputs[:1]
		}, ErrMalformedTransaction},
		{"fee without relayer", func(tx *shielded.Transaction) {
			tx.Ext.Relayer = common.Address{}
		}, ErrMalformedTransaction},
		{"l1 fee on l2", func(tx *shielded.Transaction) {
			tx.Ext.L1Fee = uint256.NewInt(1)
		}, ErrMalformedTransaction},
		{"amount above range", func(tx *shielded.Transaction) {
			tx.Ext.Fee = new(uint256.Int).Lsh(uint256.NewInt(1), 250)
		}, ErrAmountOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := h.withdrawal(t, note, 0)
			tt.mutate(tx)
			_, err := h.pool.Transact(ctx, tx)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("deposit above maximum", func(t *testing.T) {
		n, err := shielded.NewNote(uint256.NewInt(900), nil)
		require.NoError(t, err)
		tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
		_, err = h.pool.ApplyTransaction(ctx, tx, Settlement{Deposited: uint256.NewInt(900)})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("l1 withdrawal below minimum", func(t *testing.T) {
		tx, _ := h.prepare(t, &shielded.Request{
			Inputs:       []*shielded.Note{note},
			Outputs:      []*shielded.Note{mustNote(t, 300)},
			Recipient:    recipient,
			L1Withdrawal: true,
		})
		_, err := h.pool.Transact(ctx, tx)
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("withdrawal to zero address", func(t *testing.T) {
		tx, _ := h.prepare(t, &shielded.Request{Inputs: []*shielded.Note{note}})
		_, err := h.pool.Transact(ctx, tx)
		assert.ErrorIs(t, err, ErrMalformedTransaction)
	})

	assert.False(t, h.pool.IsSpent(mustNullifier(t, note)))
}

func mustNote(t *testing.T, amount uint64) *shielded.Note {
	t.Helper()
	n, err := shielded.NewNote(uint256.NewInt(amount), nil)
	require.NoError(t, err)
	return n
}

func TestL1WithdrawalPayout(t *testing.T) {
	config := testConfig()
	config.MinWithdrawal = uint256.NewInt(100)
	h := newHarness(t, config, acceptAll)
	note := h.deposit(t, 1000, nil)

	tx, _ := h.prepare(t, &shielded.Request{
		Inputs:       []*shielded.Note{note},
		Recipient:    recipient,
		L1Withdrawal: true,
		L1Fee:        uint256.NewInt(25),
	})
	receipt, err := h.pool.Transact(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, WithdrawLeg, receipt.Kind)
	require.Len(t, h.custody.payouts, 1)
	assert.True(t, h.custody.payouts[0].L1)
	assert.Equal(t, uint256.NewInt(25), h.custody.payouts[0].L1Fee)
	assert.Equal(t, uint256.NewInt(1000), h.custody.payouts[0].Amount)
}

func TestCustodyFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 1000, nil)
	root := h.pool.Root()
	h.custody.err = errors.New("insufficient balance")

	tx := h.withdrawal(t, note, 0)
	_, err := h.pool.Transact(context.Background(), tx)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, root, h.pool.Root())
	assert.False(t, h.pool.IsSpent(mustNullifier(t, note)))
}

func TestCapacityExceeded(t *testing.T) {
	config := testConfig()
	config.TreeDepth = 2
	h := newHarness(t, config, acceptAll)
	h.deposit(t, 1, nil)
	h.deposit(t, 1, nil)

	n := mustNote(t, 1)
	tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
	_, err := h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(1)})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	for _, nf := range tx.Public.InputNullifiers {
		assert.False(t, h.pool.IsSpent(nf))
	}
	assert.Equal(t, uint256.NewInt(2), h.pool.Stats().Held)
}

func TestEventsFollowInsertionOrder(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	inserts := make(chan InsertEvent, 16)
	spends := make(chan SpendEvent, 16)
	subA := h.pool.SubscribeInserts(inserts)
	defer subA.Unsubscribe()
	subB := h.pool.SubscribeSpends(spends)
	defer subB.Unsubscribe()

	note := h.deposit(t, 1000, nil)
	tx := h.withdrawal(t, note, 10)
	_, err := h.pool.Transact(context.Background(), tx)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		ev := <-inserts
		assert.Equal(t, i, ev.Index)
	}
	spent := make(map[common.Hash]bool)
	for i := 0; i < 4; i++ {
		spent[(<-spends).Nullifier] = true
	}
	for _, nf := range tx.Public.InputNullifiers {
		assert.True(t, spent[nf])
	}
	assert.Equal(t, h.pool.Commitments(2, 4)[0].Commitment, tx.Public.OutputCommitments[0])
}

func TestStalledSubscriberDoesNotBlockPool(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	stalled := make(chan InsertEvent)
	sub := h.pool.SubscribeInserts(stalled)
	defer sub.Unsubscribe()

	var txs []*shielded.Transaction
	for i := 0; i < 3; i++ {
		tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{mustNote(t, 5)}})
		txs = append(txs, tx)
	}
	done := make(chan error, 1)
	go func() {
		for _, tx := range txs {
			if _, err := h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(5)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("applying transactions blocked on a subscriber that does not read")
	}

	reads := make(chan Stats, 1)
	go func() { reads <- h.pool.Stats() }()
	select {
	case stats := <-reads:
		assert.EqualValues(t, 6, stats.Leaves)
	case <-time.After(5 * time.Second):
		t.Fatal("pool reads blocked on a subscriber that does not read")
	}

	// The subscriber still receives every insert, in order, once it reads again.
	for i := uint64(0); i < 6; i++ {
		select {
		case ev := <-stalled:
			assert.Equal(t, i, ev.Index)
		case <-time.After(5 * time.Second):
			t.Fatalf("insert %d was never delivered", i)
		}
	}
}

func TestCloseWithStalledSubscriber(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll)
	stalled := make(chan InsertEvent)
	h.pool.SubscribeInserts(stalled)
	h.deposit(t, 5, nil)

	closed := make(chan error, 1)
	go func() { closed <- h.pool.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a subscriber that does not read")
	}
}

func TestStatusesAreBounded(t *testing.T) {
	ctx := context.Background()
	rejectAll := VerifierFunc(func([]byte, *shielded.PublicInputs) error { return errors.New("bad proof") })
	h := newHarness(t, testConfig(), rejectAll)
	h.pool.statuses = lru.NewBasicLRU[common.Hash, Status](4)

	// Malformed submissions are never tracked.
	tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{mustNote(t, 5)}})
	for i := 0; i < 100; i++ {
		junk := *tx
		junk.Public.ExtDataHash = common.BytesToHash([]byte{byte(i >> 8), byte(i), 1})
		_, err := h.pool.ApplyTransaction(ctx, &junk, Settlement{Deposited: uint256.NewInt(5)})
		require.ErrorIs(t, err, ErrExtDataHash)
		assert.Equal(t, Unknown, h.pool.Status(junk.ID()))
	}
	assert.Zero(t, h.pool.statuses.Len())

	// Well formed but rejected submissions only keep the most recent few.
	var ids []common.Hash
	for i := 0; i < 10; i++ {
		tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{mustNote(t, 5)}})
		_, err := h.pool.ApplyTransaction(ctx, tx, Settlement{Deposited: uint256.NewInt(5)})
		require.ErrorIs(t, err, ErrInvalidProof)
		ids = append(ids, tx.ID())
	}
	assert.Equal(t, 4, h.pool.statuses.Len())
	assert.Equal(t, Unknown, h.pool.Status(ids[0]))
	assert.Equal(t, Rejected, h.pool.Status(ids[9]))
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Commit(*Change) error { return errors.New("disk full") }

func TestStoreFailureHaltsPool(t *testing.T) {
	h := newHarness(t, testConfig(), acceptAll, WithStore(failingStore{NewMemoryStore()}))
	n := mustNote(t, 5)
	tx, _ := h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{n}})
	_, err := h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(5)})
	assert.ErrorIs(t, err, ErrPoolHalted)
	assert.True(t, h.pool.Stats().Halted)
	assert.EqualValues(t, 0, h.pool.Stats().Leaves)

	tx, _ = h.prepare(t, &shielded.Request{Outputs: []*shielded.Note{mustNote(t, 5)}})
	_, err = h.pool.ApplyTransaction(context.Background(), tx, Settlement{Deposited: uint256.NewInt(5)})
	assert.ErrorIs(t, err, ErrPoolHalted)
}

func TestLevelStoreReplay(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pool")
	store, err := OpenLevelStore(dir, false)
	require.NoError(t, err)
	h := newHarness(t, testConfig(), acceptAll, WithStore(store))

	note := h.deposit(t, 1000, nil)
	other := h.deposit(t, 50, nil)
	tx := h.withdrawal(t, note, 400)
	_, err = h.pool.Transact(ctx, tx)
	require.NoError(t, err)
	pending := h.withdrawal(t, other, 0)

	before := h.pool.Stats()
	events := h.pool.Commitments(0, 100)
	require.NoError(t, h.pool.Close())

	store, err = OpenLevelStore(dir, false)
	require.NoError(t, err)
	reopened := newHarness(t, testConfig(), acceptAll, WithStore(store))
	defer reopened.pool.Close()

	after := reopened.pool.Stats()
	assert.Equal(t, before, after)
	assert.Equal(t, events, reopened.pool.Commitments(0, 100))
	for _, nf := range tx.Public.InputNullifiers {
		assert.True(t, reopened.pool.IsSpent(nf))
	}

	_, err = reopened.pool.Transact(ctx, tx)
	assert.ErrorIs(t, err, ErrAlreadySpent)
	// The root history is rebuilt, so a transaction proven before the restart still applies.
	_, err = reopened.pool.Transact(ctx, pending)
	assert.NoError(t, err)
}

func TestPoolIsATreeView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), acceptAll)
	note := h.deposit(t, 10, nil)

	snap, err := h.pool.Snapshot(ctx)
	require.NoError(t, err)
	path, err := h.pool.PathAt(ctx, note.Index, snap.Size)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyPath(note.Commitment(), path, snap.Root))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.pool.Snapshot(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = h.pool.ApplyTransaction(cancelled, h.withdrawal(t, note, 0), Settlement{})
	assert.ErrorIs(t, err, context.Canceled)
}
