package merkle

import (
	"github.com/ethereum/go-ethereum/common"

	"shieldpool/internal/field"
)

// Path is a membership path from a leaf to the root, ordered leaf level first.
// Directions[i] is 0 when the running node is the left child at level i and 1 when it is the
// right child, so the bits read LSB first spell the leaf index.
type Path struct {
	Index      uint64        `json:"index"`
	Siblings   []common.Hash `json:"siblings"`
	Directions []uint8       `json:"directions"`
}

// Root recombines leaf along the path.
func (p Path) Root(leaf common.Hash) common.Hash {
	node := leaf
	for i, sibling := range p.Siblings {
		if i < len(p.Directions) && p.Directions[i] == 1 {
			node = field.HashPair(sibling, node)
		} else {
			node = field.HashPair(node, sibling)
		}
	}
	return node
}

// PackedIndex reassembles the leaf index from the direction bits.
func (p Path) PackedIndex() uint64 {
	var idx uint64
	for i, d := range p.Directions {
		idx |= uint64(d&1) << i
	}
	return idx
}

// VerifyPath reports whether leaf recombines to root along path.
func VerifyPath(leaf common.Hash, path Path, root common.Hash) bool {
	if len(path.Siblings) != len(path.Directions) || len(path.Siblings) == 0 {
		return false
	}
	for _, d := range path.Directions {
		if d > 1 {
			return false
		}
	}
	return path.Root(leaf) == root
}
