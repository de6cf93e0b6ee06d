// Package merkle implements the fixed-depth, append-only commitment accumulator.
//
// Leaves are assigned strictly increasing indices and never change. Every insertion produces a
// new root which is pushed into a bounded ring of recent roots, so proofs built against a
// slightly stale tree remain acceptable.
package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"shieldpool/internal/field"
)

const (
	// MaxDepth bounds node storage and the size of membership paths.
	MaxDepth = 32

	// DefaultHistorySize is the number of recent roots accepted by IsKnownRoot.
	DefaultHistorySize = 100
)

var (
	ErrCapacityExceeded = errors.New("merkle: tree is full")
	ErrInvalidDepth     = errors.New("merkle: depth must be in [1, 32]")
	ErrInvalidHistory   = errors.New("merkle: root history size must be positive")
	ErrIndexOutOfRange  = errors.New("merkle: leaf index out of range")
	ErrSizeOutOfRange   = errors.New("merkle: snapshot size exceeds tree size")
)

// Snapshot identifies one historical tree state.
type Snapshot struct {
	Root common.Hash `json:"root"`
	Size uint64      `json:"size"`
}

// Tree is the incremental Merkle accumulator. It is safe for concurrent use.
type Tree struct {
	mu sync.RWMutex

	depth int
	zeros []common.Hash

	// levels[0] holds the leaves, levels[depth] the root.
	levels [][]common.Hash

	roots     []common.Hash
	rootIndex int
}

// New creates an empty tree of the given depth retaining historySize roots.
func New(depth, historySize int) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, ErrInvalidDepth
	}
	if historySize < 1 {
		return nil, ErrInvalidHistory
	}
	t := &Tree{
		depth:  depth,
		zeros:  Zeros(depth),
		levels: make([][]common.Hash, depth+1),
		roots:  make([]common.Hash, historySize),
	}
	t.roots[0] = t.zeros[depth]
	return t, nil
}

// Zeros returns the empty-subtree hashes for levels 0..depth.
func Zeros(depth int) []common.Hash {
	zeros := make([]common.Hash, depth+1)
	zeros[0] = field.ZeroValue
	for i := 1; i <= depth; i++ {
		zeros[i] = field.HashPair(zeros[i-1], zeros[i-1])
	}
	return zeros
}

func (t *Tree) Depth() int { return t.depth }

// Capacity is the lifetime number of insertions, 2^depth.
func (t *Tree) Capacity() uint64 { return uint64(1) << t.depth }

func (t *Tree) HistorySize() int { return len(t.roots) }

// Size returns the number of inserted leaves, which is also the next free index.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.levels[0]))
}

// Root returns the current root.
func (t *Tree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roots[t.rootIndex]
}

// Snapshot returns the current root together with the size it was computed over.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{Root: t.roots[t.rootIndex], Size: uint64(len(t.levels[0]))}
}

// Insert appends a leaf and returns its index.
func (t *Tree) Insert(leaf common.Hash) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(t.levels[0])) >= t.Capacity() {
		return 0, ErrCapacityExceeded
	}
	return t.insert(leaf), nil
}

// InsertBatch appends leaves in order. Either all leaves fit or none is inserted.
func (t *Tree) InsertBatch(leaves []common.Hash) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := uint64(len(t.levels[0]))
	if first+uint64(len(leaves)) > t.Capacity() {
		return 0, ErrCapacityExceeded
	}
	for _, leaf := range leaves {
		t.insert(leaf)
	}
	return first, nil
}

func (t *Tree) insert(leaf common.Hash) uint64 {
	index := uint64(len(t.levels[0]))
	t.levels[0] = append(t.levels[0], leaf)

	pos := index
	for level := 0; level < t.depth; level++ {
		parent := pos >> 1
		left := t.levels[level][parent<<1]
		right := t.zeros[level]
		if r := parent<<1 | 1; r < uint64(len(t.levels[level])) {
			right = t.levels[level][r]
		}
		node := field.HashPair(left, right)
		if parent < uint64(len(t.levels[level+1])) {
			t.levels[level+1][parent] = node
		} else {
			t.levels[level+1] = append(t.levels[level+1], node)
		}
		pos = parent
	}

	t.rootIndex = (t.rootIndex + 1) % len(t.roots)
	t.roots[t.rootIndex] = t.levels[t.depth][0]
	return index
}

// IsKnownRoot reports whether root is the current root or still held in the history ring.
func (t *Tree) IsKnownRoot(root common.Hash) bool {
	if root == (common.Hash{}) {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.rootIndex
	for n := 0; n < len(t.roots); n++ {
		if t.roots[i] == root {
			return true
		}
		if i == 0 {
			i = len(t.roots)
		}
		i--
	}
	return false
}

// Leaf returns the leaf stored at index.
func (t *Tree) Leaf(index uint64) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.levels[0])) {
		return common.Hash{}, ErrIndexOutOfRange
	}
	return t.levels[0][index], nil
}

// Leaves returns a copy of the leaves in [from, to).
func (t *Tree) Leaves(from, to uint64) []common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size := uint64(len(t.levels[0]))
	if to > size {
		to = size
	}
	if from >= to {
		return nil
	}
	out := make([]common.Hash, to-from)
	copy(out, t.levels[0][from:to])
	return out
}

// PathTo returns the membership path of index against the current tree.
func (t *Tree) PathTo(index uint64) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathAt(index, uint64(len(t.levels[0])))
}

// PathAt returns the membership path of index against the tree as it was when it held
// exactly size leaves. The path recombines to RootAt(size).
func (t *Tree) PathAt(index, size uint64) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if size > uint64(len(t.levels[0])) {
		return Path{}, ErrSizeOutOfRange
	}
	return t.pathAt(index, size)
}

// RootAt returns the root of the tree holding the first size leaves.
func (t *Tree) RootAt(size uint64) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if size > uint64(len(t.levels[0])) {
		return common.Hash{}, ErrSizeOutOfRange
	}
	return t.nodeAt(t.depth, 0, size), nil
}

func (t *Tree) pathAt(index, size uint64) (Path, error) {
	if index >= size {
		return Path{}, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, size)
	}
	p := Path{
		Index:      index,
		Siblings:   make([]common.Hash, t.depth),
		Directions: make([]uint8, t.depth),
	}
	pos := index
	for level := 0; level < t.depth; level++ {
		p.Directions[level] = uint8(pos & 1)
		p.Siblings[level] = t.nodeAt(level, pos^1, size)
		pos >>= 1
	}
	return p, nil
}

// nodeAt returns node pos of level as seen by a tree holding size leaves.
func (t *Tree) nodeAt(level int, pos, size uint64) common.Hash {
	first := pos << level
	if first >= size {
		return t.zeros[level]
	}
	// complete subtrees never change; partial ones are stored only for the live size
	if first+uint64(1)<<level <= size || size == uint64(len(t.levels[0])) {
		return t.levels[level][pos]
	}
	return field.HashPair(t.nodeAt(level-1, pos<<1, size), t.nodeAt(level-1, pos<<1|1, size))
}
