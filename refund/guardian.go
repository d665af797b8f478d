// guardian.go enforces the three budget caps: the program-wide yearly PSP
// budget, the per-address yearly USD cap and the per-address epoch USD cap.
// State lives in memory and is rebuilt from the validated rows at the start
// of every re-validation pass, so a crashed run never leaves stale
// accounting behind.
//
// The caps are non-commutative and apply in a fixed order: yearly-address
// USD first, then (once active) epoch-address USD, then the global PSP
// budget. The USD-denominated caps set both the USD and the derived PSP
// amount; the global cap is asset-denominated and adjusts only the PSP
// amount, leaving the USD untouched. Consumers therefore treat "PSP capped,
// USD not" as the global-cap-only case.
package refund

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

// Guardian errors.
var (
	// ErrNegativeCap means an address already exceeds a cap that is now
	// being applied: a prior run over-refunded. Fatal to the whole run.
	ErrNegativeCap = errors.New("refund: negative cap headroom")
)

// AppliedCaps reports which budget dimensions capped a refund. A nil field
// means that dimension is uncapped. The global-PSP-only path sets PSP and
// leaves USD nil.
type AppliedCaps struct {
	USD *big.Rat
	PSP *big.Int
}

// Capped reports whether any dimension was capped.
func (a AppliedCaps) Capped() bool { return a.USD != nil || a.PSP != nil }

// EffectiveUSD returns the capped USD amount, or raw when uncapped.
func (a AppliedCaps) EffectiveUSD(raw *big.Rat) *big.Rat {
	if a.USD != nil {
		return a.USD
	}
	return raw
}

// EffectivePSP returns the capped PSP amount, or raw when uncapped.
func (a AppliedCaps) EffectivePSP(raw *big.Int) *big.Int {
	if a.PSP != nil {
		return a.PSP
	}
	return raw
}

// TotalsSource supplies the persisted budget consumption the guardian
// reloads at pass start: the global validated PSP sum and the per-address
// validated USD sums for fromEpoch <= epoch < upToEpoch.
type TotalsSource interface {
	ValidatedTotals(ctx context.Context, fromEpoch, upToEpoch uint64) (totalPSP *big.Int, usdByAddress map[common.Address]*big.Rat, err error)
}

// Guardian tracks budget consumption. All methods are synchronous and the
// struct is not safe for concurrent use: the re-validation pass is
// single-threaded by design and its determinism depends on serial
// accounting.
type Guardian struct {
	cfg *params.RefundConfig

	totalPSPRefundedForYear *big.Int
	yearlyUSDByAddress      map[common.Address]*big.Rat
	epochUSDByAddress       map[common.Address]*big.Rat

	maxGlobalPSP *big.Int
	maxYearlyUSD *big.Rat
	maxEpochUSD  *big.Rat
}

// NewGuardian returns an empty guardian for the given activation config.
func NewGuardian(cfg *params.RefundConfig) *Guardian {
	return &Guardian{
		cfg:                     cfg,
		totalPSPRefundedForYear: new(big.Int),
		yearlyUSDByAddress:      make(map[common.Address]*big.Rat),
		epochUSDByAddress:       make(map[common.Address]*big.Rat),
		maxGlobalPSP:            params.MaxPSPGlobalYearly(),
		maxYearlyUSD:            params.MaxUSDPerAddressYearly(),
		maxEpochUSD:             params.MaxUSDPerAddressEpoch(),
	}
}

// LoadState rebuilds the yearly ledgers from the validated rows of
// [fromEpoch, upToEpoch). Callers pass the start of upToEpoch's refund year
// as fromEpoch so earlier years do not count against the reset budgets. The
// epoch ledger starts empty; BeginEpoch clears it per epoch.
func (g *Guardian) LoadState(ctx context.Context, src TotalsSource, fromEpoch, upToEpoch uint64) error {
	totalPSP, usdByAddr, err := src.ValidatedTotals(ctx, fromEpoch, upToEpoch)
	if err != nil {
		return fmt.Errorf("refund: loading budget state: %w", err)
	}
	g.totalPSPRefundedForYear = new(big.Int).Set(totalPSP)
	g.yearlyUSDByAddress = make(map[common.Address]*big.Rat, len(usdByAddr))
	for addr, usd := range usdByAddr {
		g.yearlyUSDByAddress[addr] = new(big.Rat).Set(usd)
	}
	g.epochUSDByAddress = make(map[common.Address]*big.Rat)
	return nil
}

// BeginEpoch resets the per-epoch ledger, and the yearly ledgers too when
// epoch opens a new refund year.
func (g *Guardian) BeginEpoch(epoch uint64) {
	g.epochUSDByAddress = make(map[common.Address]*big.Rat)
	if g.cfg.Clock.IsYearStart(epoch) {
		g.totalPSPRefundedForYear = new(big.Int)
		g.yearlyUSDByAddress = make(map[common.Address]*big.Rat)
	}
}

// IsGlobalSpent reports whether the yearly PSP budget is exhausted.
func (g *Guardian) IsGlobalSpent() bool {
	return g.totalPSPRefundedForYear.Cmp(g.maxGlobalPSP) >= 0
}

// HasAddressSpentYearly reports whether addr reached its yearly USD cap.
func (g *Guardian) HasAddressSpentYearly(addr common.Address) bool {
	spent, ok := g.yearlyUSDByAddress[addr]
	return ok && spent.Cmp(g.maxYearlyUSD) >= 0
}

// HasAddressSpentEpoch reports whether addr reached its epoch USD cap.
func (g *Guardian) HasAddressSpentEpoch(addr common.Address) bool {
	spent, ok := g.epochUSDByAddress[addr]
	return ok && spent.Cmp(g.maxEpochUSD) >= 0
}

// Cap applies the three budget caps, in order, to a raw refund. It does
// not mutate guardian state; Commit records the effective amounts once the
// transaction is classified as validated.
func (g *Guardian) Cap(addr common.Address, epoch uint64, refundUSD *big.Rat, refundPSP *big.Int, pspPriceUSD *big.Rat) (AppliedCaps, error) {
	var caps AppliedCaps

	// 1. Yearly per-address USD.
	yearly := g.spentUSD(g.yearlyUSDByAddress, addr)
	if new(big.Rat).Add(yearly, refundUSD).Cmp(g.maxYearlyUSD) > 0 {
		headroom := new(big.Rat).Sub(g.maxYearlyUSD, yearly)
		if headroom.Sign() < 0 {
			return AppliedCaps{}, fmt.Errorf("%w: address %s yearly spend %s exceeds cap", ErrNegativeCap, addr.Hex(), yearly.FloatString(6))
		}
		caps.USD = headroom
		caps.PSP = usdToPSPWei(headroom, pspPriceUSD)
	} else if g.cfg.IsEpochBudget(epoch) {
		// 2. Epoch per-address USD, only when the yearly cap did not
		// already trip.
		spent := g.spentUSD(g.epochUSDByAddress, addr)
		if new(big.Rat).Add(spent, refundUSD).Cmp(g.maxEpochUSD) > 0 {
			headroom := new(big.Rat).Sub(g.maxEpochUSD, spent)
			if headroom.Sign() < 0 {
				return AppliedCaps{}, fmt.Errorf("%w: address %s epoch spend %s exceeds cap", ErrNegativeCap, addr.Hex(), spent.FloatString(6))
			}
			caps.USD = headroom
			caps.PSP = usdToPSPWei(headroom, pspPriceUSD)
		}
	}

	// 3. Global yearly PSP. Asset-denominated: caps PSP only.
	chosenPSP := refundPSP
	if caps.PSP != nil {
		chosenPSP = caps.PSP
	}
	if new(big.Int).Add(g.totalPSPRefundedForYear, chosenPSP).Cmp(g.maxGlobalPSP) > 0 {
		headroom := new(big.Int).Sub(g.maxGlobalPSP, g.totalPSPRefundedForYear)
		if headroom.Sign() < 0 {
			return AppliedCaps{}, fmt.Errorf("%w: global PSP spend exceeds budget", ErrNegativeCap)
		}
		if caps.PSP == nil || headroom.Cmp(caps.PSP) < 0 {
			caps.PSP = headroom
		}
	}
	return caps, nil
}

// Commit records the effective amounts of a validated transaction: the
// epoch ledger (once the epoch budget is active), the yearly ledger and
// the global PSP total, in that order.
func (g *Guardian) Commit(addr common.Address, epoch uint64, effectiveUSD *big.Rat, effectivePSP *big.Int) {
	if g.cfg.IsEpochBudget(epoch) {
		g.addUSD(g.epochUSDByAddress, addr, effectiveUSD)
	}
	g.addUSD(g.yearlyUSDByAddress, addr, effectiveUSD)
	g.totalPSPRefundedForYear.Add(g.totalPSPRefundedForYear, effectivePSP)
}

// TotalPSPRefunded returns a copy of the global yearly PSP counter.
func (g *Guardian) TotalPSPRefunded() *big.Int {
	return new(big.Int).Set(g.totalPSPRefundedForYear)
}

func (g *Guardian) spentUSD(ledger map[common.Address]*big.Rat, addr common.Address) *big.Rat {
	if v, ok := ledger[addr]; ok {
		return v
	}
	return new(big.Rat)
}

func (g *Guardian) addUSD(ledger map[common.Address]*big.Rat, addr common.Address, v *big.Rat) {
	cur, ok := ledger[addr]
	if !ok {
		cur = new(big.Rat)
		ledger[addr] = cur
	}
	cur.Add(cur, v)
}

// usdToPSPWei converts a USD headroom into PSP wei at the transaction's
// PSP price: floor(usd / pspPriceUSD * 10^18).
func usdToPSPWei(usd, pspPriceUSD *big.Rat) *big.Int {
	wei := new(big.Rat).SetInt(params.WeiPerPSP())
	psp := new(big.Rat).Quo(usd, pspPriceUSD)
	psp.Mul(psp, wei)
	return new(big.Int).Quo(psp.Num(), psp.Denom())
}
