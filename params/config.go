package params

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Config errors.
var (
	ErrConfigEpochOrder = errors.New("params: activation epoch precedes genesis epoch")
	ErrConfigZeroClock  = errors.New("params: genesis time must be set")
)

// RefundConfig gates the behavioural changes the refund program went
// through, the same way a chain config gates forks: each field names the
// first epoch at which the rule is active. The predicates below are the
// only way the pipeline consults these.
type RefundConfig struct {
	Clock EpochClock

	// SafetyModuleEpoch is the first epoch whose stake includes the
	// Safety Module balance on top of SPSP.
	SafetyModuleEpoch uint64

	// PrecisionGlitchEpoch is the single epoch whose raw PSP refund is
	// floored before the USD conversion. Historical payouts depend on it.
	PrecisionGlitchEpoch uint64

	// TxOriginCheckEpoch is the first epoch requiring initiator == txOrigin.
	TxOriginCheckEpoch uint64

	// DedupEpoch is the first epoch where a duplicated txHash within a
	// scan slice is treated as a fatal upstream inconsistency.
	DedupEpoch uint64

	// EpochBudgetEpoch is the first epoch with the per-address epoch USD cap.
	EpochBudgetEpoch uint64

	// ContractTxsEpoch is the first epoch where aggregator-contract
	// transactions are ingested alongside subgraph swaps.
	ContractTxsEpoch uint64

	// ReorgBlacklist lists block hashes excluded per chain after reorgs.
	ReorgBlacklist map[ChainID][]common.Hash
}

// DefaultRefundConfig returns the production activation schedule.
func DefaultRefundConfig() *RefundConfig {
	return &RefundConfig{
		Clock: EpochClock{
			GenesisEpoch: 9,
			GenesisTime:  1632268800, // 2021-09-22 00:00:00 UTC
		},
		SafetyModuleEpoch:    11,
		PrecisionGlitchEpoch: 12,
		TxOriginCheckEpoch:   13,
		DedupEpoch:           14,
		EpochBudgetEpoch:     20,
		ContractTxsEpoch:     24,
		ReorgBlacklist:       map[ChainID][]common.Hash{},
	}
}

// Validate checks the activation schedule for internal consistency.
func (c *RefundConfig) Validate() error {
	if c.Clock.GenesisTime == 0 {
		return ErrConfigZeroClock
	}
	gates := map[string]uint64{
		"safetyModule":    c.SafetyModuleEpoch,
		"precisionGlitch": c.PrecisionGlitchEpoch,
		"txOriginCheck":   c.TxOriginCheckEpoch,
		"dedup":           c.DedupEpoch,
		"epochBudget":     c.EpochBudgetEpoch,
		"contractTxs":     c.ContractTxsEpoch,
	}
	for name, e := range gates {
		if e < c.Clock.GenesisEpoch {
			return fmt.Errorf("%w: %s=%d genesis=%d", ErrConfigEpochOrder, name, e, c.Clock.GenesisEpoch)
		}
	}
	return nil
}

// IsSafetyModule reports whether epoch counts Safety Module stake.
func (c *RefundConfig) IsSafetyModule(epoch uint64) bool { return epoch >= c.SafetyModuleEpoch }

// IsPrecisionGlitch reports whether epoch carries the legacy floor-early
// behaviour.
func (c *RefundConfig) IsPrecisionGlitch(epoch uint64) bool { return epoch == c.PrecisionGlitchEpoch }

// IsTxOriginCheck reports whether epoch requires initiator == txOrigin.
func (c *RefundConfig) IsTxOriginCheck(epoch uint64) bool { return epoch >= c.TxOriginCheckEpoch }

// IsDedup reports whether duplicated tx hashes are fatal at epoch.
func (c *RefundConfig) IsDedup(epoch uint64) bool { return epoch >= c.DedupEpoch }

// IsEpochBudget reports whether the per-address epoch USD cap applies.
func (c *RefundConfig) IsEpochBudget(epoch uint64) bool { return epoch >= c.EpochBudgetEpoch }

// IsContractTxs reports whether contract transactions are ingested.
func (c *RefundConfig) IsContractTxs(epoch uint64) bool { return epoch >= c.ContractTxsEpoch }

// BlacklistedBlocks returns the reorged-out block hashes for chain, or nil.
func (c *RefundConfig) BlacklistedBlocks(chain ChainID) []common.Hash {
	if c.ReorgBlacklist == nil {
		return nil
	}
	return c.ReorgBlacklist[chain]
}
