// Package pipeline drives the refund cycle: ingestion stages refund
// transactions per chain and epoch, the re-validation pass classifies them
// against the budgets in one globally ordered sweep, and the sealer
// publishes the per-epoch claim trees. The orchestrator runs the three
// phases per scheduling round.
package pipeline

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Pipeline errors.
var (
	// ErrIdleAfterPass means the re-validation pass left unclassified rows
	// behind. The pass is defective or the store is concurrently mutated;
	// either way the run must not seal.
	ErrIdleAfterPass = errors.New("pipeline: idle rows remain after re-validation")

	// ErrEpochNotFinal means sealing was attempted while the epoch still
	// holds unclassified rows.
	ErrEpochNotFinal = errors.New("pipeline: epoch holds unclassified rows")
)

// PriceSource is the preload-then-lookup price surface of the ingestor.
type PriceSource interface {
	Load(ctx context.Context, chain params.ChainID, from, to uint64) error
	At(chain params.ChainID, t uint64) (*types.PricePoint, error)
}

// StakeLoader loads the stake sources over a block window before a run.
type StakeLoader interface {
	Load(ctx context.Context, fromBlock, toBlock uint64) error
	Balance(addr common.Address, timestamp uint64, epoch uint64) *big.Int
}

// BlockSource maps timestamps to block heights for the stake window.
type BlockSource interface {
	BlockAfterTimestamp(ctx context.Context, chain params.ChainID, ts uint64) (uint64, error)
	HeadBlock(ctx context.Context, chain params.ChainID) (uint64, error)
}

// yearStartEpoch returns the first epoch of the refund year containing
// epoch.
func yearStartEpoch(clock params.EpochClock, epoch uint64) uint64 {
	return clock.GenesisEpoch + clock.YearIndex(epoch)*params.EpochsPerYear
}
