// qualifier.go filters raw subgraph swaps down to the refund-eligible set:
// reorged-out blocks are always dropped, the initiator/txOrigin equality
// and duplicate-hash rules switch on at their activation epochs, and the
// survivors must hold the minimum stake at swap time.
package refund

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Qualifier errors.
var (
	// ErrDuplicateHash means the subgraph returned the same txHash twice in
	// one slice. From the dedup epoch on this indicates upstream
	// inconsistency and is fatal to the run.
	ErrDuplicateHash = errors.New("refund: duplicated tx hash in slice")
)

// StakeBalancer resolves an address's effective staked PSP at a timestamp.
// Implementations must be pure lookups over preloaded data.
type StakeBalancer interface {
	Balance(addr common.Address, timestamp uint64, epoch uint64) *big.Int
}

// QualifiedSwap is a swap that passed every qualification rule, together
// with the stake that qualified it (the tier input).
type QualifiedSwap struct {
	Swap  types.Swap
	Stake *big.Int
}

// Qualifier applies the eligibility policy for one activation config.
type Qualifier struct {
	cfg   *params.RefundConfig
	stake StakeBalancer
}

// NewQualifier returns a Qualifier using stake for balance lookups.
func NewQualifier(cfg *params.RefundConfig, stake StakeBalancer) *Qualifier {
	return &Qualifier{cfg: cfg, stake: stake}
}

// Filter returns the refund-eligible swaps of one scan slice in stable
// chronological order. A duplicated txHash is fatal from the dedup epoch
// onward.
func (q *Qualifier) Filter(chain params.ChainID, epoch uint64, swaps []types.Swap) ([]QualifiedSwap, error) {
	if q.cfg.IsDedup(epoch) {
		seen := make(map[common.Hash]struct{}, len(swaps))
		for _, s := range swaps {
			if _, dup := seen[s.TxHash]; dup {
				return nil, fmt.Errorf("%w: %s on %s epoch %d", ErrDuplicateHash, s.TxHash.Hex(), chain, epoch)
			}
			seen[s.TxHash] = struct{}{}
		}
	}

	blacklist := make(map[common.Hash]struct{})
	for _, h := range q.cfg.BlacklistedBlocks(chain) {
		blacklist[h] = struct{}{}
	}

	minStake := MinStake()
	out := make([]QualifiedSwap, 0, len(swaps))
	for _, s := range swaps {
		if _, bad := blacklist[s.BlockHash]; bad {
			continue
		}
		if q.cfg.IsTxOriginCheck(epoch) && s.Initiator != s.TxOrigin {
			continue
		}
		stake := q.stake.Balance(s.TxOrigin, s.Timestamp, epoch)
		if stake == nil || stake.Cmp(minStake) < 0 {
			continue
		}
		out = append(out, QualifiedSwap{Swap: s, Stake: stake})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Swap.Timestamp < out[j].Swap.Timestamp
	})
	return out, nil
}
