package pool

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Change is everything one applied transaction adds to the ledger.
type Change struct {
	TxID       common.Hash
	Inserts    []InsertEvent
	Nullifiers []common.Hash
	// Deposited and Released are the custody movements of the transaction.
	Deposited *uint256.Int
	Released  *uint256.Int
}

// Totals are the cumulative custody movements of a pool.
type Totals struct {
	Deposited *uint256.Int
	Released  *uint256.Int
}

// Held is the value custody must still hold.
func (t Totals) Held() *uint256.Int {
	return new(uint256.Int).Sub(orZero(t.Deposited), orZero(t.Released))
}

func (t Totals) add(c *Change) Totals {
	return Totals{
		Deposited: new(uint256.Int).Add(orZero(t.Deposited), orZero(c.Deposited)),
		Released:  new(uint256.Int).Add(orZero(t.Released), orZero(c.Released)),
	}
}

type totalsRLP struct {
	Deposited *big.Int
	Released  *big.Int
}

// Store persists applied changes. Commit must be atomic.
type Store interface {
	Commit(c *Change) error
	Inserts() ([]InsertEvent, error)
	Nullifiers() ([]common.Hash, error)
	Totals() (Totals, error)
	Close() error
}

// DeliveryLog remembers processed bridge deliveries across restarts.
type DeliveryLog interface {
	RecordDelivery(id common.Hash, receipt []byte) error
	Delivery(id common.Hash) ([]byte, bool, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	inserts    []InsertEvent
	nullifiers []common.Hash
	totals     Totals
	deliveries map[common.Hash][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[common.Hash][]byte)}
}

func (s *MemoryStore) Commit(c *Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, c.Inserts...)
	s.nullifiers = append(s.nullifiers, c.Nullifiers...)
	s.totals = s.totals.add(c)
	return nil
}

func (s *MemoryStore) Totals() (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals, nil
}

func (s *MemoryStore) Inserts() ([]InsertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]InsertEvent(nil), s.inserts...), nil
}

func (s *MemoryStore) Nullifiers() ([]common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.Hash(nil), s.nullifiers...), nil
}

func (s *MemoryStore) RecordDelivery(id common.Hash, receipt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[id] = append([]byte(nil), receipt...)
	return nil
}

func (s *MemoryStore) Delivery(id common.Hash) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.deliveries[id]
	return r, ok, nil
}

func (s *MemoryStore) Close() error { return nil }

const (
	commitmentPrefix = "cm_"
	nullifierPrefix  = "nf_"
	deliveryPrefix   = "dl_"
	totalsKey        = "st_totals"
)

// LevelStore persists the ledger in a goleveldb database.
type LevelStore struct {
	db   *leveldb.DB
	sync bool

	mu     sync.Mutex
	totals Totals
}

// OpenLevelStore opens or creates the database at path. With sync set every commit is fsynced.
func OpenLevelStore(path string, sync bool) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open pool store: %w", err)
	}
	s := &LevelStore{db: db, sync: sync}
	if s.totals, err = s.readTotals(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) readTotals() (Totals, error) {
	v, err := s.db.Get([]byte(totalsKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Totals{Deposited: new(uint256.Int), Released: new(uint256.Int)}, nil
	}
	if err != nil {
		return Totals{}, err
	}
	var dec totalsRLP
	if err := rlp.DecodeBytes(v, &dec); err != nil {
		return Totals{}, fmt.Errorf("corrupt totals record: %w", err)
	}
	dep, overflow := uint256.FromBig(dec.Deposited)
	rel, overflow2 := uint256.FromBig(dec.Released)
	if overflow || overflow2 {
		return Totals{}, errors.New("corrupt totals record: overflow")
	}
	return Totals{Deposited: dep, Released: rel}, nil
}

func (s *LevelStore) Commit(c *Change) error {
	batch := new(leveldb.Batch)
	for i := range c.Inserts {
		enc, err := rlp.EncodeToBytes(&c.Inserts[i])
		if err != nil {
			return err
		}
		batch.Put(commitmentKey(c.Inserts[i].Index), enc)
	}
	for _, nf := range c.Nullifiers {
		batch.Put(nullifierKey(nf), c.TxID.Bytes())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.totals.add(c)
	enc, err := rlp.EncodeToBytes(&totalsRLP{Deposited: next.Deposited.ToBig(), Released: next.Released.ToBig()})
	if err != nil {
		return err
	}
	batch.Put([]byte(totalsKey), enc)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return err
	}
	s.totals = next
	return nil
}

func (s *LevelStore) Totals() (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals, nil
}

// Inserts returns all stored leaves ordered by index.
func (s *LevelStore) Inserts() ([]InsertEvent, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(commitmentPrefix)), nil)
	defer iter.Release()

	var out []InsertEvent
	for iter.Next() {
		var ev InsertEvent
		if err := rlp.DecodeBytes(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt commitment record %q: %w", iter.Key(), err)
		}
		pos, err := parseCommitmentPosition(string(iter.Key()))
		if err != nil || pos != ev.Index {
			return nil, fmt.Errorf("corrupt commitment key %q", iter.Key())
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (s *LevelStore) Nullifiers() ([]common.Hash, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(nullifierPrefix)), nil)
	defer iter.Release()

	var out []common.Hash
	for iter.Next() {
		nf, err := parseHashKey(string(iter.Key()), nullifierPrefix)
		if err != nil {
			return nil, err
		}
		out = append(out, nf)
	}
	return out, iter.Error()
}

func (s *LevelStore) RecordDelivery(id common.Hash, receipt []byte) error {
	return s.db.Put(deliveryKey(id), receipt, &opt.WriteOptions{Sync: s.sync})
}

func (s *LevelStore) Delivery(id common.Hash) ([]byte, bool, error) {
	v, err := s.db.Get(deliveryKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *LevelStore) Close() error { return s.db.Close() }

func commitmentKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", commitmentPrefix, position))
}

func nullifierKey(nf common.Hash) []byte {
	return []byte(nullifierPrefix + nf.Hex()[2:])
}

func deliveryKey(id common.Hash) []byte {
	return []byte(deliveryPrefix + id.Hex()[2:])
}

func parseCommitmentPosition(key string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(key, commitmentPrefix), 10, 64)
}

func parseHashKey(key, prefix string) (common.Hash, error) {
	raw := strings.TrimPrefix(key, prefix)
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("corrupt key %q", key)
	}
	return common.HexToHash(raw), nil
}
