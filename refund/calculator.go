// calculator.go derives the per-transaction refund amounts. All value math
// is exact: wei amounts are big.Int, USD values and rates are big.Rat.
//
// The same derivation runs in two places: at ingestion time from a raw
// swap, and during re-validation from the persisted row fields. Both paths
// share computeFromGasCost so the re-validation pass reproduces the staged
// amounts byte for byte before re-capping them.
package refund

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Calculator errors.
var (
	ErrNoTier         = errors.New("refund: stake below eligibility floor")
	ErrTierMissing    = errors.New("refund: no tier despite stake above floor")
	ErrZeroRate       = errors.New("refund: psp/native rate is zero")
	ErrMissingPrice   = errors.New("refund: no price point for transaction")
	ErrBadStoredValue = errors.New("refund: persisted row carries a malformed value")
)

// Computation holds every intermediate of the refund formula for one
// transaction. Amount fields follow the precision rules of the persisted
// row: RefundPSP is floored to wei, RefundUSD keeps full precision.
type Computation struct {
	GasUsedChainCurrency *big.Int // gasUsed * gasPrice, wei
	GasUsedUSD           *big.Rat // gas cost in USD
	RefundRawPSP         *big.Rat // tiered refund before flooring, PSP wei
	RefundUSD            *big.Rat // USD value of the raw refund
	RefundPSP            *big.Int // floored PSP wei actually refunded
}

// Calculator computes refunds under a fixed activation config.
type Calculator struct {
	cfg *params.RefundConfig
}

// NewCalculator returns a Calculator for the given activation config.
func NewCalculator(cfg *params.RefundConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Compute derives the refund for a qualifying swap. gasUsed comes from the
// block explorer (the subgraph value is unreliable); price is the resolved
// same-day price point and must be non-nil.
func (c *Calculator) Compute(epoch uint64, gasUsed uint64, gasPrice *big.Int, price *types.PricePoint, stake *big.Int) (*Computation, error) {
	if price == nil {
		return nil, ErrMissingPrice
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPrice)
	return c.computeFromGasCost(epoch, gasCost, price.ChainPriceUSD, price.PSPToNativeRate, price.PSPPriceUSD, stake)
}

// Recompute re-derives the refund of a persisted row from the rates frozen
// at ingestion time. Used by the re-validation pass: amounts may be
// re-capped even when the raw values are unchanged.
func (c *Calculator) Recompute(row *types.GasRefundTransaction) (*Computation, error) {
	gasCost, err := types.ParseInt(row.GasUsedChainCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: gasUsedChainCurrency: %v", ErrBadStoredValue, err)
	}
	rate, err := types.ParseRat(row.PSPChainCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: pspChainCurrency: %v", ErrBadStoredValue, err)
	}
	pspUSD, err := types.ParseRat(row.PSPUSD)
	if err != nil {
		return nil, fmt.Errorf("%w: pspUsd: %v", ErrBadStoredValue, err)
	}
	chainUSD, err := types.ParseRat(row.ChainCurrencyUSD)
	if err != nil {
		return nil, fmt.Errorf("%w: chainCurrencyUsd: %v", ErrBadStoredValue, err)
	}
	stake, err := row.StakePSP()
	if err != nil {
		return nil, fmt.Errorf("%w: totalStakeAmountPSP: %v", ErrBadStoredValue, err)
	}
	return c.computeFromGasCost(row.Epoch, gasCost, chainUSD, rate, pspUSD, stake)
}

// computeFromGasCost is the refund formula proper:
//
//	gasUsedUSD = gasCost * chainPriceUSD / 10^18
//	gasFeePSP  = gasCost / pspToNativeRate
//	refundRaw  = gasFeePSP * tier(stake)
//	refundUSD  = refundRaw * pspPriceUSD / 10^18
//	refundPSP  = floor(refundRaw)
//
// with one carve-out: during the precision-glitch epoch refundRaw is
// floored before the USD conversion, reproducing the historical payouts.
func (c *Calculator) computeFromGasCost(epoch uint64, gasCost *big.Int, chainPriceUSD, pspToNativeRate, pspPriceUSD *big.Rat, stake *big.Int) (*Computation, error) {
	pct, ok := TierPercent(stake)
	if !ok {
		if stake != nil && stake.Cmp(MinStake()) >= 0 {
			return nil, ErrTierMissing
		}
		return nil, ErrNoTier
	}
	if pspToNativeRate == nil || pspToNativeRate.Sign() == 0 {
		return nil, ErrZeroRate
	}

	wei := new(big.Rat).SetInt(params.WeiPerPSP())
	gasCostRat := new(big.Rat).SetInt(gasCost)

	gasUsedUSD := new(big.Rat).Mul(gasCostRat, chainPriceUSD)
	gasUsedUSD.Quo(gasUsedUSD, wei)

	gasFeePSP := new(big.Rat).Quo(gasCostRat, pspToNativeRate)
	refundRaw := new(big.Rat).Mul(gasFeePSP, pct)

	if c.cfg.IsPrecisionGlitch(epoch) {
		refundRaw = new(big.Rat).SetInt(types.FloorRat(refundRaw))
	}

	refundUSD := new(big.Rat).Mul(refundRaw, pspPriceUSD)
	refundUSD.Quo(refundUSD, wei)

	return &Computation{
		GasUsedChainCurrency: gasCost,
		GasUsedUSD:           gasUsedUSD,
		RefundRawPSP:         refundRaw,
		RefundUSD:            refundUSD,
		RefundPSP:            types.FloorRat(refundRaw),
	}, nil
}
