// pool.go - The shielded pool: accumulator, spent set and the transaction state machine.
//
// The Pool is the only writer of the accumulator and the spent set. Every mutation happens
// inside a single critical section, while proof verification runs outside of it.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"shieldpool/internal/merkle"
	"shieldpool/internal/shielded"
)

// InsertEvent announces a commitment appended to the accumulator.
type InsertEvent struct {
	Index           uint64        `json:"index"`
	Commitment      common.Hash   `json:"commitment"`
	EncryptedOutput hexutil.Bytes `json:"encryptedOutput"`
}

// SpendEvent announces an accepted nullifier.
type SpendEvent struct {
	Nullifier common.Hash `json:"nullifier"`
}

// Candidate turns the event into a trial decryption candidate.
func (ev InsertEvent) Candidate() shielded.Candidate {
	return shielded.Candidate{Index: ev.Index, Commitment: ev.Commitment, Ciphertext: ev.EncryptedOutput}
}

// ProofVerifier checks a proof against its public inputs.
type ProofVerifier interface {
	Verify(proof []byte, public *shielded.PublicInputs) error
}

// VerifierFunc adapts a function to ProofVerifier.
type VerifierFunc func(proof []byte, public *shielded.PublicInputs) error

func (f VerifierFunc) Verify(proof []byte, public *shielded.PublicInputs) error { return f(proof, public) }

// Status is the position of a transaction in the validation state machine.
type Status uint8

const (
	Unknown Status = iota
	Pending
	Verified
	Applied
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// statusHistory is the number of transaction statuses retained for Status.
const statusHistory = 4096

// Receipt describes an applied transaction.
type Receipt struct {
	TxID       common.Hash   `json:"txId"`
	Kind       Kind          `json:"kind"`
	Root       common.Hash   `json:"root"`
	FirstIndex uint64        `json:"firstIndex"`
	Nullifiers []common.Hash `json:"nullifiers"`
}

// Stats is a point in time summary of the pool.
type Stats struct {
	Leaves     uint64       `json:"leaves"`
	Capacity   uint64       `json:"capacity"`
	Nullifiers int          `json:"nullifiers"`
	Root       common.Hash  `json:"root"`
	Deposited  *uint256.Int `json:"deposited"`
	Released   *uint256.Int `json:"released"`
	Held       *uint256.Int `json:"held"`
	Halted     bool         `json:"halted"`
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithStore(s Store) Option { return func(p *Pool) { p.store = s } }

func WithCustody(c Custody) Option { return func(p *Pool) { p.custody = c } }

// WithRegisterer registers the pool metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(p *Pool) { p.reg = reg } }

type Pool struct {
	config   Config
	verifier ProofVerifier
	custody  Custody
	store    Store
	log      zerolog.Logger
	reg      prometheus.Registerer
	metrics  *metrics

	mu          sync.RWMutex
	tree        *merkle.Tree
	spent       map[common.Hash]struct{}
	ciphertexts [][]byte
	totals      Totals
	halted      bool

	statusMu sync.Mutex
	statuses lru.BasicLRU[common.Hash, Status]

	// Batches are queued under mu and sent by dispatch, so a slow subscriber never holds
	// up the critical section.
	queueMu     sync.Mutex
	queue       []eventBatch
	wake        chan struct{}
	quit        chan struct{}
	dispatched  chan struct{}
	closeOnce   sync.Once
	closeErr    error
	insertFeed  event.Feed
	spendFeed   event.Feed
	subscribers event.SubscriptionScope
}

// eventBatch holds the events of one applied transaction.
type eventBatch struct {
	inserts    []InsertEvent
	nullifiers []common.Hash
}

// Open creates a pool and replays the contents of its store. Without WithStore the pool is
// backed by a fresh MemoryStore.
func Open(config Config, verifier ProofVerifier, opts ...Option) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, errors.New("pool: nil proof verifier")
	}
	conf := config.sanitize()
	tree, err := merkle.New(conf.TreeDepth, conf.RootHistorySize)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		config:     conf,
		verifier:   verifier,
		custody:    NopCustody{},
		log:        zerolog.Nop(),
		tree:       tree,
		spent:      make(map[common.Hash]struct{}),
		statuses:   lru.NewBasicLRU[common.Hash, Status](statusHistory),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	p.metrics = newMetrics(p.reg)
	if err := p.replay(); err != nil {
		return nil, err
	}
	go p.dispatch()
	return p, nil
}

func (p *Pool) replay() error {
	inserts, err := p.store.Inserts()
	if err != nil {
		return fmt.Errorf("pool: read stored commitments: %w", err)
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].Index < inserts[j].Index })
	leaves := make([]common.Hash, len(inserts))
	for i, ev := range inserts {
		if ev.Index != uint64(i) {
			return fmt.Errorf("pool: stored commitments have a gap at index %d", i)
		}
		leaves[i] = ev.Commitment
		p.ciphertexts = append(p.ciphertexts, ev.EncryptedOutput)
	}
	if len(leaves) > 0 {
		if _, err := p.tree.InsertBatch(leaves); err != nil {
			return fmt.Errorf("pool: replay commitments: %w", err)
		}
	}

	nullifiers, err := p.store.Nullifiers()
	if err != nil {
		return fmt.Errorf("pool: read stored nullifiers: %w", err)
	}
	for _, nf := range nullifiers {
		p.spent[nf] = struct{}{}
	}
	if p.totals, err = p.store.Totals(); err != nil {
		return fmt.Errorf("pool: read stored totals: %w", err)
	}
	p.metrics.leaves.Set(float64(len(leaves)))
	p.metrics.nullifiers.Set(float64(len(p.spent)))
	if len(leaves) > 0 || len(nullifiers) > 0 {
		p.log.Info().
			Int("leaves", len(leaves)).
			Int("nullifiers", len(nullifiers)).
			Str("root", p.tree.Root().Hex()).
			Msg("Pool state replayed")
	}
	return nil
}

// Close unsubscribes every subscriber and closes the store.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		// Unsubscribing unblocks a send to a subscriber that stopped reading.
		p.subscribers.Close()
		close(p.quit)
		<-p.dispatched
		p.closeErr = p.store.Close()
	})
	return p.closeErr
}

// Config returns the sanitized configuration.
func (p *Pool) Config() Config { return p.config }

// Transact applies a transaction that moves no value in. Deposits only enter through a
// bridge delivery.
func (p *Pool) Transact(ctx context.Context, tx *shielded.Transaction) (*Receipt, error) {
	if !orZero(tx.Ext.DepositAmount).IsZero() || !orZero(tx.Public.DepositAmount).IsZero() {
		err := fmt.Errorf("%w: deposit without a bridged transfer", ErrAmountMismatch)
		p.reject(tx.ID(), err)
		return nil, err
	}
	return p.ApplyTransaction(ctx, tx, Settlement{})
}

// ApplyTransaction validates tx and, if it is valid, applies it atomically. leg is the custody
// movement that accompanied the transaction.
func (p *Pool) ApplyTransaction(ctx context.Context, tx *shielded.Transaction, leg Settlement) (*Receipt, error) {
	start := time.Now()
	id := tx.ID()

	receipt, err := p.apply(ctx, tx, leg)
	if err != nil {
		p.reject(id, err)
		return nil, err
	}
	p.setStatus(id, Applied)
	p.metrics.applied.WithLabelValues(receipt.Kind.String()).Inc()
	p.metrics.latency.Observe(time.Since(start).Seconds())
	p.log.Info().
		Str("tx", id.Hex()).
		Stringer("kind", receipt.Kind).
		Uint64("first_index", receipt.FirstIndex).
		Str("root", receipt.Root.Hex()).
		Dur("elapsed", time.Since(start)).
		Msg("Transaction applied")
	return receipt, nil
}

func (p *Pool) apply(ctx context.Context, tx *shielded.Transaction, leg Settlement) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, err := p.checkStructure(tx)
	if err != nil {
		return nil, err
	}
	// Only well formed transactions are tracked; their id is bound to the ext data.
	p.setStatus(tx.ID(), Pending)
	if err := p.precheck(tx); err != nil {
		return nil, err
	}

	if err := p.verifier.Verify(tx.Proof, &tx.Public); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	p.setStatus(tx.ID(), Verified)
	if err := checkAmounts(tx, leg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return p.commit(ctx, tx, kind, leg)
}

// precheck rejects stale roots and spent inputs before the expensive proof check.
func (p *Pool) precheck(tx *shielded.Transaction) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.halted {
		return ErrPoolHalted
	}
	return p.checkState(tx)
}

// checkState must be called with mu held.
func (p *Pool) checkState(tx *shielded.Transaction) error {
	if !p.tree.IsKnownRoot(tx.Public.Root) {
		return fmt.Errorf("%w: %s", ErrUnknownRoot, tx.Public.Root.Hex())
	}
	for _, nf := range tx.Public.InputNullifiers {
		if _, ok := p.spent[nf]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadySpent, nf.Hex())
		}
	}
	return nil
}

// commit is the critical section. The events of an applied transaction are queued before mu
// is released, which keeps their order equal to the insertion order.
func (p *Pool) commit(ctx context.Context, tx *shielded.Transaction, kind Kind, leg Settlement) (*Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return nil, ErrPoolHalted
	}
	if err := p.checkState(tx); err != nil {
		return nil, err
	}
	commitments := tx.Public.OutputCommitments
	first := p.tree.Size()
	if uint64(len(commitments)) > p.tree.Capacity()-first {
		return nil, fmt.Errorf("%w: %d leaves left, %d needed", ErrCapacityExceeded, p.tree.Capacity()-first, len(commitments))
	}

	payout := &Payout{
		TxID:      tx.ID(),
		Recipient: tx.Ext.Recipient,
		Amount:    orZero(tx.Ext.WithdrawAmount),
		L1:        tx.Ext.L1Withdrawal,
		L1Fee:     orZero(tx.Ext.L1Fee),
		Relayer:   tx.Ext.Relayer,
		Fee:       orZero(tx.Ext.Fee),
	}
	released := payout.Total()
	deposited := orZero(leg.Deposited)
	available := new(uint256.Int).Add(p.totals.Held(), deposited)
	if released.Gt(available) {
		return nil, fmt.Errorf("%w: release of %s exceeds held %s", ErrAmountMismatch, released, available)
	}
	if !released.IsZero() {
		if err := p.custody.Release(context.WithoutCancel(ctx), payout); err != nil {
			return nil, fmt.Errorf("%w: custody release failed: %v", ErrAmountMismatch, err)
		}
	}

	change := &Change{
		TxID:       tx.ID(),
		Inserts:    make([]InsertEvent, len(commitments)),
		Nullifiers: append([]common.Hash(nil), tx.Public.InputNullifiers...),
		Deposited:  new(uint256.Int).Set(deposited),
		Released:   released,
	}
	for i, cm := range commitments {
		change.Inserts[i] = InsertEvent{
			Index:           first + uint64(i),
			Commitment:      cm,
			EncryptedOutput: append([]byte(nil), tx.Ext.EncryptedOutputs[i]...),
		}
	}
	if err := p.store.Commit(change); err != nil {
		p.halted = true
		p.log.Error().Err(err).Str("tx", tx.ID().Hex()).Msg("Persisting applied transaction failed, halting pool")
		return nil, fmt.Errorf("%w: %v", ErrPoolHalted, err)
	}

	if _, err := p.tree.InsertBatch(commitments); err != nil {
		// Capacity was checked above under the same lock.
		panic(fmt.Sprintf("pool: accumulator rejected checked batch: %v", err))
	}
	for _, nf := range change.Nullifiers {
		p.spent[nf] = struct{}{}
	}
	for _, ev := range change.Inserts {
		p.ciphertexts = append(p.ciphertexts, ev.EncryptedOutput)
	}
	p.totals = p.totals.add(change)
	p.metrics.leaves.Set(float64(p.tree.Size()))
	p.metrics.nullifiers.Set(float64(len(p.spent)))

	p.enqueue(eventBatch{inserts: change.Inserts, nullifiers: change.Nullifiers})
	return &Receipt{
		TxID:       tx.ID(),
		Kind:       kind,
		Root:       p.tree.Root(),
		FirstIndex: first,
		Nullifiers: change.Nullifiers,
	}, nil
}

func (p *Pool) enqueue(b eventBatch) {
	p.queueMu.Lock()
	p.queue = append(p.queue, b)
	p.queueMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch sends queued batches to the feeds in order until the pool is closed.
func (p *Pool) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}
		for {
			p.queueMu.Lock()
			pending := p.queue
			p.queue = nil
			p.queueMu.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, b := range pending {
				for _, ev := range b.inserts {
					p.insertFeed.Send(ev)
				}
				for _, nf := range b.nullifiers {
					p.spendFeed.Send(SpendEvent{Nullifier: nf})
				}
			}
		}
	}
}

func (p *Pool) reject(id common.Hash, err error) {
	p.setStatus(id, Rejected)
	p.metrics.rejected.WithLabelValues(rejectReason(err)).Inc()
	p.log.Debug().Err(err).Str("tx", id.Hex()).Bool("retryable", Retryable(err)).Msg("Transaction rejected")
}

// setStatus records s for id. Applied is final, and intermediate states are only recorded for
// transactions that are already tracked.
func (p *Pool) setStatus(id common.Hash, s Status) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	prev, ok := p.statuses.Peek(id)
	if prev == Applied {
		return
	}
	if !ok && (s == Verified || s == Rejected) {
		return
	}
	p.statuses.Add(id, s)
}

// Status reports the latest state of the transaction with the given id.
func (p *Pool) Status(id common.Hash) Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	s, _ := p.statuses.Peek(id)
	return s
}

// SubscribeInserts delivers an InsertEvent for every appended commitment, in index order.
func (p *Pool) SubscribeInserts(ch chan<- InsertEvent) event.Subscription {
	return p.subscribers.Track(p.insertFeed.Subscribe(ch))
}

// SubscribeSpends delivers a SpendEvent for every accepted nullifier.
func (p *Pool) SubscribeSpends(ch chan<- SpendEvent) event.Subscription {
	return p.subscribers.Track(p.spendFeed.Subscribe(ch))
}

func (p *Pool) Root() common.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Root()
}

func (p *Pool) IsKnownRoot(root common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.IsKnownRoot(root)
}

func (p *Pool) IsSpent(nullifier common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.spent[nullifier]
	return ok
}

// Snapshot returns the current root and size. Together with PathAt it makes the pool a
// shielded.TreeView.
func (p *Pool) Snapshot(ctx context.Context) (merkle.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return merkle.Snapshot{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Snapshot(), nil
}

// PathAt returns the membership path of index in the tree as it was at size leaves.
func (p *Pool) PathAt(ctx context.Context, index, size uint64) (merkle.Path, error) {
	if err := ctx.Err(); err != nil {
		return merkle.Path{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.PathAt(index, size)
}

// Commitments returns the insert events for indices in [from, to), clamped to the tree size.
func (p *Pool) Commitments(from, to uint64) []InsertEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	size := p.tree.Size()
	if to > size {
		to = size
	}
	if from >= to {
		return nil
	}
	leaves := p.tree.Leaves(from, to)
	out := make([]InsertEvent, len(leaves))
	for i, cm := range leaves {
		idx := from + uint64(i)
		out[i] = InsertEvent{Index: idx, Commitment: cm, EncryptedOutput: p.ciphertexts[idx]}
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Leaves:     p.tree.Size(),
		Capacity:   p.tree.Capacity(),
		Nullifiers: len(p.spent),
		Root:       p.tree.Root(),
		Deposited:  new(uint256.Int).Set(orZero(p.totals.Deposited)),
		Released:   new(uint256.Int).Set(orZero(p.totals.Released)),
		Held:       p.totals.Held(),
		Halted:     p.halted,
	}
}
