// Package merkle builds the per-epoch claim trees published on chain.
//
// The leaf encoding is on-chain observable and must stay bit-exact across
// versions: a leaf is keccak256 of the 20-byte address immediately followed
// by the claim amount rendered as an ASCII base-10 string (wei, no sign,
// no padding). Internal nodes are keccak256(left ‖ right) in positional
// order; an unpaired node at the end of a level is promoted unchanged.
package merkle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Merkle errors.
var (
	ErrNoLeaves    = errors.New("merkle: tree needs at least one leaf")
	ErrLeafIndex   = errors.New("merkle: leaf index out of range")
	ErrProofFormat = errors.New("merkle: malformed proof element")
)

// keccak256 hashes the concatenation of its arguments.
func keccak256(data ...[]byte) common.Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h common.Hash
	d.Sum(h[:0])
	return h
}

// LeafHash computes the claim leaf for an address and its amount rendered
// as an ASCII decimal string.
func LeafHash(addr common.Address, amountDecimal string) common.Hash {
	return keccak256(addr.Bytes(), []byte(amountDecimal))
}

// Tree is a keccak256 binary merkle tree over an ordered leaf list. Leaf
// order is the insertion order of the claims; it is part of the published
// structure and never re-sorted.
type Tree struct {
	levels [][]common.Hash // levels[0] = leaves, last level = [root]
}

// NewTree builds the tree bottom-up.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, keccak256(level[i].Bytes(), level[i+1].Bytes()))
			} else {
				// Odd node: promoted to the next level unchanged.
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the published root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the sibling path of leaf index, ordered leaf to root.
// Promoted nodes contribute no sibling, so proofs vary in length.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafIndex, index, t.LeafCount())
	}
	var proof []common.Hash
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof replays a proof against the root. index and leafCount pin
// the leaf's position so the left/right hashing order is reproduced.
func VerifyProof(root, leaf common.Hash, index, leafCount int, proof []common.Hash) bool {
	if index < 0 || index >= leafCount || leafCount <= 0 {
		return false
	}
	h := leaf
	used := 0
	for width := leafCount; width > 1; width = (width + 1) / 2 {
		sibling := index ^ 1
		if sibling < width {
			if used >= len(proof) {
				return false
			}
			if index%2 == 0 {
				h = keccak256(h.Bytes(), proof[used].Bytes())
			} else {
				h = keccak256(proof[used].Bytes(), h.Bytes())
			}
			used++
		}
		index /= 2
	}
	return used == len(proof) && h == root
}

// ProofStrings renders a proof as 0x-prefixed hex for persistence.
func ProofStrings(proof []common.Hash) []string {
	out := make([]string, len(proof))
	for i, h := range proof {
		out[i] = h.Hex()
	}
	return out
}

// ParseProofStrings parses a persisted proof back into hashes.
func ParseProofStrings(proof []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(proof))
	for i, s := range proof {
		b := common.FromHex(s)
		if len(b) != common.HashLength {
			return nil, fmt.Errorf("%w: %q", ErrProofFormat, s)
		}
		out[i] = common.BytesToHash(b)
	}
	return out, nil
}
