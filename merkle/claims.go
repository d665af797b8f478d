// claims.go aggregates validated refund amounts per address ahead of tree
// construction. Amounts are PSP wei; uint256 comfortably covers the yearly
// program budget and overflow still checks so a corrupted row cannot wrap.
package merkle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Claim errors.
var (
	ErrNegativeAmount = errors.New("merkle: negative claim amount")
	ErrAmountOverflow = errors.New("merkle: claim amount overflows uint256")
)

// Claim is one address's aggregated entitlement for an epoch.
type Claim struct {
	Address   common.Address
	AmountPSP *uint256.Int // wei
}

// AmountString renders the claim amount as the ASCII decimal the leaf
// encoding hashes.
func (c Claim) AmountString() string {
	return c.AmountPSP.Dec()
}

// ClaimSet accumulates per-address amounts while preserving first-insertion
// order: the leaf order of the published tree is the order addresses were
// first seen.
type ClaimSet struct {
	order   []common.Address
	amounts map[common.Address]*uint256.Int
	total   *uint256.Int
}

// NewClaimSet returns an empty set.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{
		amounts: make(map[common.Address]*uint256.Int),
		total:   uint256.NewInt(0),
	}
}

// Add accumulates amount (PSP wei) for addr.
func (s *ClaimSet) Add(addr common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s for %s", ErrNegativeAmount, amount, addr.Hex())
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrAmountOverflow, amount)
	}
	cur, ok := s.amounts[addr]
	if !ok {
		cur = uint256.NewInt(0)
		s.amounts[addr] = cur
		s.order = append(s.order, addr)
	}
	cur.Add(cur, v)
	s.total.Add(s.total, v)
	return nil
}

// Len returns the number of distinct addresses.
func (s *ClaimSet) Len() int { return len(s.order) }

// Claims returns the aggregated claims in insertion order.
func (s *ClaimSet) Claims() []Claim {
	out := make([]Claim, len(s.order))
	for i, addr := range s.order {
		out[i] = Claim{Address: addr, AmountPSP: s.amounts[addr].Clone()}
	}
	return out
}

// TotalPSP returns the sum of all claim amounts.
func (s *ClaimSet) TotalPSP() *uint256.Int {
	return s.total.Clone()
}

// BuildTree hashes the claims in order and builds the epoch tree.
func (s *ClaimSet) BuildTree() (*Tree, []Claim, error) {
	claims := s.Claims()
	leaves := make([]common.Hash, len(claims))
	for i, c := range claims {
		leaves[i] = LeafHash(c.Address, c.AmountString())
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return nil, nil, err
	}
	return tree, claims, nil
}
