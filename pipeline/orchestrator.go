// orchestrator.go schedules one refund round: load the stake timelines,
// ingest every chain in parallel under per-chain locks, then run the
// global re-validation pass and seal the completed epochs. A failing chain
// does not cancel its siblings; its epochs simply stay unsealed until the
// next round.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gasrefund/gasrefund/lock"
	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/storage"
)

// OrchestratorConfig wires a scheduling round.
type OrchestratorConfig struct {
	Config *params.RefundConfig
	Store  storage.Store
	Locker lock.Locker
	Chains []params.ChainID
	// StakeChain hosts the staking contracts; the stake window is resolved
	// against its blocks.
	StakeChain  params.ChainID
	Stakes      StakeLoader
	Blocks      BlockSource
	Ingestor    *Ingestor
	Revalidator *Revalidator
	Sealer      *Sealer
	Log         *log.Logger
	// Now overrides the wall clock in tests.
	Now func() uint64
}

// Orchestrator runs refund rounds.
type Orchestrator struct {
	cfg        *params.RefundConfig
	store      storage.Store
	locker     lock.Locker
	chains     []params.ChainID
	stakeChain params.ChainID
	stakes     StakeLoader
	blocks     BlockSource
	ingest     *Ingestor
	reval      *Revalidator
	sealer     *Sealer
	log        *log.Logger
	now        func() uint64
}

// NewOrchestrator builds the orchestrator.
func NewOrchestrator(c OrchestratorConfig) *Orchestrator {
	now := c.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Orchestrator{
		cfg:        c.Config,
		store:      c.Store,
		locker:     c.Locker,
		chains:     c.Chains,
		stakeChain: c.StakeChain,
		stakes:     c.Stakes,
		blocks:     c.Blocks,
		ingest:     c.Ingestor,
		reval:      c.Revalidator,
		sealer:     c.Sealer,
		log:        c.Log.Module("orchestrator"),
		now:        now,
	}
}

// Run executes one round. Per-chain ingestion failures are collected and
// joined into the returned error, but the surviving chains still
// re-validate and seal. A re-validation failure aborts before any sealing.
func (o *Orchestrator) Run(ctx context.Context) error {
	now := o.now()
	current := o.cfg.Clock.CurrentEpoch(now)

	firstByChain := make(map[params.ChainID]uint64, len(o.chains))
	overallStart := uint64(0)
	haveStart := false
	for _, chain := range o.chains {
		first := o.cfg.Clock.GenesisEpoch
		sealed, ok, err := o.store.LastSealedEpoch(ctx, chain)
		if err != nil {
			return fmt.Errorf("pipeline: last sealed epoch of %s: %w", chain, err)
		}
		if ok {
			first = sealed + 1
		}
		firstByChain[chain] = first
		if start := o.cfg.Clock.StartOf(first); !haveStart || start < overallStart {
			overallStart = start
			haveStart = true
		}
	}
	if !haveStart {
		return nil
	}

	if err := o.loadStakes(ctx, overallStart); err != nil {
		return err
	}
	// Preload the budget ledgers so ingestion can abandon chains once the
	// global budget reads as spent. The re-validation pass reloads them.
	if err := o.reloadGuardian(ctx); err != nil {
		return err
	}

	o.log.Info("round started", "now", now, "currentEpoch", current, "chains", len(o.chains))
	chainErrs := make([]error, len(o.chains))
	var g errgroup.Group
	for i, chain := range o.chains {
		g.Go(func() error {
			// Settled join: record the failure, never cancel siblings.
			chainErrs[i] = o.runChain(ctx, chain, firstByChain[chain], current, now)
			return nil
		})
	}
	_ = g.Wait()
	for i, chain := range o.chains {
		if chainErrs[i] != nil {
			chainErrs[i] = fmt.Errorf("chain %s: %w", chain, chainErrs[i])
			o.log.Error("chain ingestion failed", "chain", chain.String(), "err", chainErrs[i])
		}
	}

	if err := o.reval.Run(ctx); err != nil {
		return errors.Join(append(chainErrs, err)...)
	}

	for i, chain := range o.chains {
		if chainErrs[i] != nil {
			continue
		}
		for epoch := firstByChain[chain]; epoch < current; epoch++ {
			if err := o.sealer.SealEpoch(ctx, chain, epoch); err != nil {
				chainErrs[i] = fmt.Errorf("chain %s: %w", chain, err)
				break
			}
		}
	}
	return errors.Join(chainErrs...)
}

func (o *Orchestrator) runChain(ctx context.Context, chain params.ChainID, first, current, now uint64) error {
	release, err := o.locker.Acquire(ctx, lock.ChainLockName(chain))
	if err != nil {
		return fmt.Errorf("pipeline: acquiring lock: %w", err)
	}
	defer release()

	for epoch := first; epoch <= current; epoch++ {
		sealed, err := o.store.HasDistribution(ctx, chain, epoch)
		if err != nil {
			return fmt.Errorf("pipeline: distribution check epoch %d: %w", epoch, err)
		}
		if sealed {
			continue
		}
		if err := o.ingest.Run(ctx, chain, epoch, now); err != nil {
			return err
		}
	}
	return nil
}

// loadStakes loads both stake sources over the block window covering the
// scan: from the first scanned timestamp to the stake chain's head.
func (o *Orchestrator) loadStakes(ctx context.Context, fromTime uint64) error {
	fromBlock, err := o.blocks.BlockAfterTimestamp(ctx, o.stakeChain, fromTime)
	if err != nil {
		return fmt.Errorf("pipeline: resolving stake window start: %w", err)
	}
	toBlock, err := o.blocks.HeadBlock(ctx, o.stakeChain)
	if err != nil {
		return fmt.Errorf("pipeline: resolving stake window end: %w", err)
	}
	if err := o.stakes.Load(ctx, fromBlock, toBlock); err != nil {
		return fmt.Errorf("pipeline: loading stakes: %w", err)
	}
	return nil
}

func (o *Orchestrator) reloadGuardian(ctx context.Context) error {
	fromEpoch, err := o.reval.startEpoch(ctx)
	if err != nil {
		return err
	}
	return o.reval.guardian.LoadState(ctx, o.store, yearStartEpoch(o.cfg.Clock, fromEpoch), fromEpoch)
}
