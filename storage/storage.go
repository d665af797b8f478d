// Package storage defines the persistence contract of the refund pipeline
// and provides a deterministic in-memory implementation. The durable
// backend (a relational store) is an external collaborator: anything
// satisfying Store with stable canonical ordering and atomic sealing can
// be slotted in.
package storage

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Storage errors.
var (
	ErrUnknownTransaction = errors.New("storage: update targets an unknown transaction")
	ErrAlreadySealed      = errors.New("storage: distribution already sealed")
)

// TxUpdate stages the re-classification of one persisted transaction.
// Empty amount strings leave the stored amounts untouched.
type TxUpdate struct {
	Key               types.TxKey
	Status            types.TxStatus
	RefundedAmountPSP string
	RefundedAmountUSD string
}

// Store is the durable state of the pipeline. Implementations must order
// TransactionsPage by (timestamp ASC, hash ASC) with a stable total order,
// and must apply SealEpoch atomically: the distribution row and the
// participation updates become visible together or not at all.
type Store interface {
	// UpsertTransactions inserts or replaces staged transactions keyed by
	// (chainId, hash).
	UpsertTransactions(ctx context.Context, txs []types.GasRefundTransaction) error

	// UpdateTransactions applies re-validation results.
	UpdateTransactions(ctx context.Context, updates []TxUpdate) error

	// TransactionsPage returns rows with epoch >= fromEpoch in canonical
	// order, skipping offset rows and returning at most limit.
	TransactionsPage(ctx context.Context, fromEpoch uint64, offset, limit int) ([]types.GasRefundTransaction, error)

	// TransactionsForEpoch returns all rows of one (chain, epoch) in
	// canonical order.
	TransactionsForEpoch(ctx context.Context, chain params.ChainID, epoch uint64) ([]types.GasRefundTransaction, error)

	// LastRefundedEpoch returns the highest epoch holding any classified
	// (validated or rejected) row. ok is false when none exists.
	LastRefundedEpoch(ctx context.Context) (epoch uint64, ok bool, err error)

	// CountIdle counts rows with epoch >= fromEpoch still in the idle
	// state. Zero after a completed re-validation pass.
	CountIdle(ctx context.Context, fromEpoch uint64) (int, error)

	// LastProcessedTimestamp returns the newest staged timestamp of one
	// (chain, epoch), for idempotent resume.
	LastProcessedTimestamp(ctx context.Context, chain params.ChainID, epoch uint64) (ts uint64, ok bool, err error)

	// ValidatedTotals sums the validated refunds with fromEpoch <= epoch <
	// upToEpoch: the global PSP total and the USD totals per address. Feeds
	// the budget guardian at pass start; fromEpoch scopes the sums to the
	// current refund year.
	ValidatedTotals(ctx context.Context, fromEpoch, upToEpoch uint64) (totalPSP *big.Int, usdByAddress map[common.Address]*big.Rat, err error)

	// HasDistribution reports whether (chain, epoch) is already sealed.
	HasDistribution(ctx context.Context, chain params.ChainID, epoch uint64) (bool, error)

	// LastSealedEpoch returns the highest sealed epoch of chain.
	LastSealedEpoch(ctx context.Context, chain params.ChainID) (epoch uint64, ok bool, err error)

	// Distribution returns the sealed distribution of (chain, epoch).
	Distribution(ctx context.Context, chain params.ChainID, epoch uint64) (dist types.Distribution, ok bool, err error)

	// Participations returns the participation rows of (chain, epoch).
	Participations(ctx context.Context, chain params.ChainID, epoch uint64) ([]types.Participation, error)

	// ParticipationsForAddress returns addr's completed participations on
	// chain, ascending by epoch.
	ParticipationsForAddress(ctx context.Context, chain params.ChainID, addr common.Address) ([]types.Participation, error)

	// SealEpoch atomically writes the distribution and its participation
	// rows, marking them completed.
	SealEpoch(ctx context.Context, dist types.Distribution, parts []types.Participation) error
}
