// ingestor.go stages refund transactions for one (chain, epoch). The scan
// interval is walked in fixed slices; each slice fetches swaps, qualifies
// them, reads gasUsed from the chain with bounded parallelism, freezes the
// day's rates into the row and upserts the batch. Upserts are keyed by
// (chain, hash), so re-running a slice after a crash converges on the same
// rows.
package pipeline

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/gasrefund/gasrefund/explorer"
	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/metrics"
	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/refund"
	"github.com/gasrefund/gasrefund/storage"
	"github.com/gasrefund/gasrefund/subgraph"
	"github.com/gasrefund/gasrefund/types"
)

const (
	// sliceSeconds is the scan slice width: small enough to bound one
	// fetch/stage batch, large enough to keep request counts sane over a
	// 14-day epoch.
	sliceSeconds = 6 * 60 * 60

	// gasLookupWorkers bounds the parallel receipt lookups per slice.
	gasLookupWorkers = 8
)

// IngestorConfig wires the ingestion driver's collaborators.
type IngestorConfig struct {
	Config *params.RefundConfig
	Store  storage.Store
	Swaps  subgraph.SwapSource
	// ContractTxs is the aggregator-contract transaction source drained in
	// addition to Swaps from the contract-txs epoch on. Optional.
	ContractTxs subgraph.SwapSource
	Gas         explorer.GasSource
	Prices      PriceSource
	Stakes      refund.StakeBalancer
	Guardian    *refund.Guardian
	Metrics     *metrics.Collector
	Log         *log.Logger
}

// Ingestor stages refund transactions chain by chain.
type Ingestor struct {
	cfg         *params.RefundConfig
	store       storage.Store
	swaps       subgraph.SwapSource
	contractTxs subgraph.SwapSource
	gas         explorer.GasSource
	prices      PriceSource
	qualifier   *refund.Qualifier
	calc        *refund.Calculator
	guardian    *refund.Guardian
	collector   *metrics.Collector
	log         *log.Logger
}

// NewIngestor builds the ingestion driver.
func NewIngestor(c IngestorConfig) *Ingestor {
	return &Ingestor{
		cfg:         c.Config,
		store:       c.Store,
		swaps:       c.Swaps,
		contractTxs: c.ContractTxs,
		gas:         c.Gas,
		prices:      c.Prices,
		qualifier:   refund.NewQualifier(c.Config, c.Stakes),
		calc:        refund.NewCalculator(c.Config),
		guardian:    c.Guardian,
		collector:   c.Metrics,
		log:         c.Log.Module("ingestor"),
	}
}

// Run stages the refund transactions of one (chain, epoch). The scan
// resumes after the newest already-staged timestamp, so a crashed run picks
// up where it stopped. The chain is abandoned early once the global PSP
// budget reads as spent.
func (in *Ingestor) Run(ctx context.Context, chain params.ChainID, epoch, now uint64) error {
	start, end := in.cfg.Clock.CalcRange(epoch, now)
	last, ok, err := in.store.LastProcessedTimestamp(ctx, chain, epoch)
	if err != nil {
		return fmt.Errorf("pipeline: resume point of %s epoch %d: %w", chain, epoch, err)
	}
	if ok && last+1 > start {
		start = last + 1
	}
	if start >= end {
		return nil
	}

	if err := in.prices.Load(ctx, chain, start, end); err != nil {
		return fmt.Errorf("pipeline: loading rates for %s epoch %d: %w", chain, epoch, err)
	}

	in.log.Info("ingesting", "chain", chain.String(), "epoch", epoch, "from", start, "to", end)
	for sliceStart := start; sliceStart < end; {
		if in.guardian.IsGlobalSpent() {
			in.log.Warn("global budget spent, abandoning chain", "chain", chain.String(), "epoch", epoch)
			return nil
		}
		sliceEnd := sliceStart + sliceSeconds
		if sliceEnd > end {
			sliceEnd = end
		}
		if err := in.runSlice(ctx, chain, epoch, sliceStart, sliceEnd); err != nil {
			return err
		}
		sliceStart = sliceEnd
	}
	return nil
}

func (in *Ingestor) runSlice(ctx context.Context, chain params.ChainID, epoch, t0, t1 uint64) error {
	swaps, err := in.swaps.FetchSwaps(ctx, chain, t0, t1)
	if err != nil {
		return fmt.Errorf("pipeline: fetching swaps of %s [%d,%d): %w", chain, t0, t1, err)
	}
	if in.contractTxs != nil && in.cfg.IsContractTxs(epoch) {
		more, err := in.contractTxs.FetchSwaps(ctx, chain, t0, t1)
		if err != nil {
			return fmt.Errorf("pipeline: fetching contract txs of %s [%d,%d): %w", chain, t0, t1, err)
		}
		swaps = append(swaps, more...)
	}
	in.collector.Inc(metrics.SwapsFetched, chain, uint64(len(swaps)))

	qualified, err := in.qualifier.Filter(chain, epoch, swaps)
	if err != nil {
		return err
	}
	in.collector.Inc(metrics.SwapsQualified, chain, uint64(len(qualified)))
	if len(qualified) == 0 {
		return nil
	}

	gasUsed := make([]uint64, len(qualified))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gasLookupWorkers)
	for i, q := range qualified {
		g.Go(func() error {
			gu, err := in.gas.TxGasUsed(gctx, chain, q.Swap.TxHash)
			if err != nil {
				return err
			}
			gasUsed[i] = gu
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipeline: reading receipts of %s [%d,%d): %w", chain, t0, t1, err)
	}

	rows := make([]types.GasRefundTransaction, 0, len(qualified))
	for i, q := range qualified {
		price, err := in.prices.At(chain, q.Swap.Timestamp)
		if err != nil {
			return fmt.Errorf("pipeline: tx %s: %w", q.Swap.TxHash.Hex(), err)
		}
		row := stageRow(chain, epoch, q, gasUsed[i], price)
		// Amounts derive from the persisted string fields, not the live
		// rationals, so the re-validation pass reproduces them exactly.
		comp, err := in.calc.Recompute(&row)
		if err != nil {
			return fmt.Errorf("pipeline: tx %s: %w", q.Swap.TxHash.Hex(), err)
		}
		row.RefundedAmountPSP = comp.RefundPSP.String()
		row.RefundedAmountUSD = types.USDString(comp.RefundUSD)
		rows = append(rows, row)
	}

	if err := in.store.UpsertTransactions(ctx, rows); err != nil {
		return fmt.Errorf("pipeline: staging %d rows of %s [%d,%d): %w", len(rows), chain, t0, t1, err)
	}
	in.collector.Inc(metrics.TxsStaged, chain, uint64(len(rows)))
	in.log.Debug("slice staged", "chain", chain.String(), "epoch", epoch, "from", t0, "to", t1, "rows", len(rows))
	return nil
}

// stageRow freezes a qualified swap into the persisted row shape: the gas
// cost and the day's rates become decimal strings, the status starts idle.
func stageRow(chain params.ChainID, epoch uint64, q refund.QualifiedSwap, gasUsed uint64, price *types.PricePoint) types.GasRefundTransaction {
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), q.Swap.TxGasPrice)
	return types.GasRefundTransaction{
		ChainID:              chain,
		Epoch:                epoch,
		Hash:                 q.Swap.TxHash,
		Address:              q.Swap.TxOrigin,
		Timestamp:            q.Swap.Timestamp,
		BlockNumber:          q.Swap.BlockNumber,
		GasUsed:              gasUsed,
		GasUsedChainCurrency: gasCost.String(),
		PSPChainCurrency:     types.USDString(price.PSPToNativeRate),
		PSPUSD:               types.USDString(price.PSPPriceUSD),
		ChainCurrencyUSD:     types.USDString(price.ChainPriceUSD),
		TotalStakeAmountPSP:  q.Stake.String(),
		Status:               types.StatusIdle,
	}
}
