// revalidator.go is the deterministic classification pass. It walks every
// staged row at or above the resume epoch in the canonical (timestamp,
// hash) order, re-derives each refund from the row's frozen rates and
// settles it against the budgets, serially. Determinism is the contract:
// the same row set yields byte-identical statuses and amounts on every run,
// regardless of page size.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/metrics"
	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/refund"
	"github.com/gasrefund/gasrefund/storage"
	"github.com/gasrefund/gasrefund/types"
)

// defaultPageSize is the row page of one store round-trip.
const defaultPageSize = 1000

// RevalidatorConfig wires the re-validation pass.
type RevalidatorConfig struct {
	Config   *params.RefundConfig
	Store    storage.Store
	Guardian *refund.Guardian
	Metrics  *metrics.Collector
	Log      *log.Logger
	// PageSize overrides the store page size; zero means the default.
	PageSize int
}

// Revalidator classifies staged rows against the budgets.
type Revalidator struct {
	cfg       *params.RefundConfig
	store     storage.Store
	guardian  *refund.Guardian
	calc      *refund.Calculator
	collector *metrics.Collector
	log       *log.Logger
	pageSize  int

	sealedCache map[params.ChainID]map[uint64]bool
}

// NewRevalidator builds the pass.
func NewRevalidator(c RevalidatorConfig) *Revalidator {
	size := c.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	return &Revalidator{
		cfg:       c.Config,
		store:     c.Store,
		guardian:  c.Guardian,
		calc:      refund.NewCalculator(c.Config),
		collector: c.Metrics,
		log:       c.Log.Module("revalidator"),
		pageSize:  size,
	}
}

// startEpoch returns the first epoch the pass re-validates: the epoch after
// the lowest sealed epoch across chains. Sealed epochs are immutable; every
// later row is fair game even when a previous run already classified it.
func (r *Revalidator) startEpoch(ctx context.Context) (uint64, error) {
	lowest := uint64(0)
	first := true
	for _, chain := range params.SupportedChains() {
		candidate := r.cfg.Clock.GenesisEpoch
		sealed, ok, err := r.store.LastSealedEpoch(ctx, chain)
		if err != nil {
			return 0, fmt.Errorf("pipeline: last sealed epoch of %s: %w", chain, err)
		}
		if ok {
			candidate = sealed + 1
		}
		if first || candidate < lowest {
			lowest = candidate
			first = false
		}
	}
	return lowest, nil
}

// Run executes one full pass. Fatal conditions (malformed rows, negative
// cap headroom, idle leftovers) abort with an error; the caller must not
// seal after a failed pass.
func (r *Revalidator) Run(ctx context.Context) error {
	fromEpoch, err := r.startEpoch(ctx)
	if err != nil {
		return err
	}
	if err := r.guardian.LoadState(ctx, r.store, yearStartEpoch(r.cfg.Clock, fromEpoch), fromEpoch); err != nil {
		return err
	}
	r.sealedCache = make(map[params.ChainID]map[uint64]bool)
	r.log.Info("re-validating", "fromEpoch", fromEpoch)

	var (
		currentEpoch uint64
		haveEpoch    bool
		offset       int
	)
	for {
		page, err := r.store.TransactionsPage(ctx, fromEpoch, offset, r.pageSize)
		if err != nil {
			return fmt.Errorf("pipeline: paging rows at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		updates := make([]storage.TxUpdate, 0, len(page))
		for i := range page {
			row := &page[i]
			if !haveEpoch || row.Epoch != currentEpoch {
				r.guardian.BeginEpoch(row.Epoch)
				currentEpoch = row.Epoch
				haveEpoch = true
			}
			sealed, err := r.isSealed(ctx, row.ChainID, row.Epoch)
			if err != nil {
				return err
			}
			if sealed {
				// Sealed rows stay as published, but their validated
				// consumption still counts against the budgets.
				if err := r.replaySealed(row); err != nil {
					return err
				}
				continue
			}
			update, err := r.classify(row)
			if err != nil {
				return err
			}
			updates = append(updates, update)
		}
		if err := r.store.UpdateTransactions(ctx, updates); err != nil {
			return fmt.Errorf("pipeline: applying %d updates: %w", len(updates), err)
		}
		if len(page) < r.pageSize {
			break
		}
		offset += len(page)
	}

	idle, err := r.store.CountIdle(ctx, fromEpoch)
	if err != nil {
		return fmt.Errorf("pipeline: counting idle rows: %w", err)
	}
	if idle > 0 {
		return fmt.Errorf("%w: %d rows from epoch %d", ErrIdleAfterPass, idle, fromEpoch)
	}
	return nil
}

// classify settles one row: re-derive the refund, reject it outright when a
// budget dimension is already spent, otherwise cap, commit and validate.
func (r *Revalidator) classify(row *types.GasRefundTransaction) (storage.TxUpdate, error) {
	comp, err := r.calc.Recompute(row)
	if err != nil {
		return storage.TxUpdate{}, fmt.Errorf("pipeline: row %s: %w", row.Hash.Hex(), err)
	}

	addr := row.Address
	spent := r.guardian.IsGlobalSpent() ||
		r.guardian.HasAddressSpentYearly(addr) ||
		(r.cfg.IsEpochBudget(row.Epoch) && r.guardian.HasAddressSpentEpoch(addr))
	if spent {
		r.collector.Inc(metrics.TxsRejected, row.ChainID, 1)
		return storage.TxUpdate{
			Key:               row.Key(),
			Status:            types.StatusRejected,
			RefundedAmountPSP: "0",
			RefundedAmountUSD: "0",
		}, nil
	}

	pspPriceUSD, err := types.ParseRat(row.PSPUSD)
	if err != nil {
		return storage.TxUpdate{}, fmt.Errorf("pipeline: row %s pspUsd: %w", row.Hash.Hex(), err)
	}
	caps, err := r.guardian.Cap(addr, row.Epoch, comp.RefundUSD, comp.RefundPSP, pspPriceUSD)
	if err != nil {
		return storage.TxUpdate{}, fmt.Errorf("pipeline: row %s: %w", row.Hash.Hex(), err)
	}
	effUSD := caps.EffectiveUSD(comp.RefundUSD)
	effPSP := caps.EffectivePSP(comp.RefundPSP)
	r.guardian.Commit(addr, row.Epoch, effUSD, effPSP)

	if caps.Capped() {
		r.collector.Inc(metrics.TxsCapped, row.ChainID, 1)
	}
	r.collector.Inc(metrics.TxsValidated, row.ChainID, 1)
	r.collector.AddPSP(metrics.RefundedPSP, row.ChainID, effPSP)
	return storage.TxUpdate{
		Key:               row.Key(),
		Status:            types.StatusValidated,
		RefundedAmountPSP: effPSP.String(),
		RefundedAmountUSD: types.USDString(effUSD),
	}, nil
}

// replaySealed accounts a sealed validated row's amounts without touching
// the row.
func (r *Revalidator) replaySealed(row *types.GasRefundTransaction) error {
	if row.Status != types.StatusValidated {
		return nil
	}
	psp, err := row.RefundedPSP()
	if err != nil {
		return fmt.Errorf("pipeline: sealed row %s: %w", row.Hash.Hex(), err)
	}
	usd, err := row.RefundedUSD()
	if err != nil {
		return fmt.Errorf("pipeline: sealed row %s: %w", row.Hash.Hex(), err)
	}
	r.guardian.Commit(row.Address, row.Epoch, usd, psp)
	return nil
}

func (r *Revalidator) isSealed(ctx context.Context, chain params.ChainID, epoch uint64) (bool, error) {
	byEpoch, ok := r.sealedCache[chain]
	if !ok {
		byEpoch = make(map[uint64]bool)
		r.sealedCache[chain] = byEpoch
	}
	if sealed, ok := byEpoch[epoch]; ok {
		return sealed, nil
	}
	sealed, err := r.store.HasDistribution(ctx, chain, epoch)
	if err != nil {
		return false, fmt.Errorf("pipeline: distribution check %s epoch %d: %w", chain, epoch, err)
	}
	byEpoch[epoch] = sealed
	return sealed, nil
}
