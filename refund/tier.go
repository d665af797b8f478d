// Package refund implements the refund computation core: the stake-tier
// resolver, the swap qualifier, the per-transaction refund calculator and
// the budget guardian enforcing the three spending caps.
package refund

import (
	"math/big"

	"github.com/gasrefund/gasrefund/params"
)

// Tier maps a staking threshold to the fraction of gas reimbursed.
type Tier struct {
	MinStake *big.Int // PSP wei
	Percent  *big.Rat // fraction of the gas fee refunded
}

// refundTiers is ordered by descending MinStake; the resolver returns the
// first tier whose threshold the stake reaches.
var refundTiers = []Tier{
	{MinStake: pspWei(500_000), Percent: big.NewRat(1, 1)},
	{MinStake: pspWei(50_000), Percent: big.NewRat(3, 4)},
	{MinStake: pspWei(5_000), Percent: big.NewRat(1, 2)},
	{MinStake: pspWei(500), Percent: big.NewRat(1, 4)},
}

func pspWei(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), params.WeiPerPSP())
}

// MinStake returns the eligibility floor (500 PSP in wei). Addresses below
// it have no tier and receive nothing.
func MinStake() *big.Int {
	return pspWei(500)
}

// TierPercent resolves the refund fraction for a staked amount. ok is
// false below the eligibility floor; callers must treat that as
// ineligibility, not as a zero refund.
func TierPercent(stake *big.Int) (pct *big.Rat, ok bool) {
	if stake == nil {
		return nil, false
	}
	for _, t := range refundTiers {
		if stake.Cmp(t.MinStake) >= 0 {
			return new(big.Rat).Set(t.Percent), true
		}
	}
	return nil, false
}
