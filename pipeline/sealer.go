// sealer.go publishes a finished epoch: validated amounts are aggregated
// per address, hashed into the claim tree, and the distribution plus the
// per-address participations land in one atomic store write.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/merkle"
	"github.com/gasrefund/gasrefund/metrics"
	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/storage"
	"github.com/gasrefund/gasrefund/types"
)

// SealerConfig wires the epoch sealer.
type SealerConfig struct {
	Store   storage.Store
	Metrics *metrics.Collector
	Log     *log.Logger
}

// Sealer turns a fully classified epoch into a published distribution.
type Sealer struct {
	store     storage.Store
	collector *metrics.Collector
	log       *log.Logger
}

// NewSealer builds the sealer.
func NewSealer(c SealerConfig) *Sealer {
	return &Sealer{store: c.Store, collector: c.Metrics, log: c.Log.Module("sealer")}
}

// SealEpoch seals one (chain, epoch). Already-sealed epochs and epochs with
// no rows are no-ops; an unclassified row is ErrEpochNotFinal.
func (s *Sealer) SealEpoch(ctx context.Context, chain params.ChainID, epoch uint64) error {
	sealed, err := s.store.HasDistribution(ctx, chain, epoch)
	if err != nil {
		return fmt.Errorf("pipeline: distribution check %s epoch %d: %w", chain, epoch, err)
	}
	if sealed {
		return nil
	}

	rows, err := s.store.TransactionsForEpoch(ctx, chain, epoch)
	if err != nil {
		return fmt.Errorf("pipeline: rows of %s epoch %d: %w", chain, epoch, err)
	}
	if len(rows) == 0 {
		return nil
	}

	claims := merkle.NewClaimSet()
	for i := range rows {
		row := &rows[i]
		switch row.Status {
		case types.StatusIdle:
			return fmt.Errorf("%w: %s epoch %d row %s", ErrEpochNotFinal, chain, epoch, row.Hash.Hex())
		case types.StatusValidated:
			amount, err := row.RefundedPSP()
			if err != nil {
				return fmt.Errorf("pipeline: row %s: %w", row.Hash.Hex(), err)
			}
			if err := claims.Add(row.Address, amount); err != nil {
				return fmt.Errorf("pipeline: row %s: %w", row.Hash.Hex(), err)
			}
		}
	}
	if claims.Len() == 0 {
		s.log.Info("no validated rows, nothing to seal", "chain", chain.String(), "epoch", epoch)
		return nil
	}

	tree, list, err := claims.BuildTree()
	if err != nil {
		return fmt.Errorf("pipeline: building tree for %s epoch %d: %w", chain, epoch, err)
	}
	parts := make([]types.Participation, len(list))
	for i, claim := range list {
		proof, err := tree.Proof(i)
		if err != nil {
			return fmt.Errorf("pipeline: proof %d of %s epoch %d: %w", i, chain, epoch, err)
		}
		parts[i] = types.Participation{
			ChainID:      chain,
			Epoch:        epoch,
			Address:      claim.Address,
			AmountPSP:    claim.AmountString(),
			MerkleProofs: merkle.ProofStrings(proof),
			IsCompleted:  true,
		}
	}
	dist := types.Distribution{
		ChainID:                chain,
		Epoch:                  epoch,
		MerkleRoot:             tree.Root(),
		TotalPSPAmountToRefund: claims.TotalPSP().Dec(),
		IsCompleted:            true,
	}
	if err := s.store.SealEpoch(ctx, dist, parts); err != nil {
		return fmt.Errorf("pipeline: sealing %s epoch %d: %w", chain, epoch, err)
	}
	s.collector.Inc(metrics.EpochsSealed, chain, 1)
	s.log.Info("epoch sealed", "chain", chain.String(), "epoch", epoch,
		"root", dist.MerkleRoot.Hex(), "claims", len(parts), "totalPSP", dist.TotalPSPAmountToRefund)
	return nil
}
