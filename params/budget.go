package params

import "math/big"

// Budget caps. The global cap is PSP-denominated (wei, 10^18 scale); the
// per-address caps are USD-denominated and kept as exact rationals so the
// epoch cap (30000/26) never loses precision.

// weiPerPSP is the 10^18 scale factor between whole PSP and wei.
var weiPerPSP = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// WeiPerPSP returns the 10^18 scale factor as a fresh big.Int.
func WeiPerPSP() *big.Int { return new(big.Int).Set(weiPerPSP) }

// MaxPSPGlobalYearly returns the program-wide yearly PSP budget:
// 30,000,000 PSP in wei.
func MaxPSPGlobalYearly() *big.Int {
	return new(big.Int).Mul(big.NewInt(30_000_000), weiPerPSP)
}

// MaxUSDPerAddressYearly returns the per-address yearly USD cap.
func MaxUSDPerAddressYearly() *big.Rat {
	return new(big.Rat).SetInt64(30_000)
}

// MaxUSDPerAddressEpoch returns the per-address epoch USD cap,
// MaxUSDPerAddressYearly / EpochsPerYear, as an exact rational.
func MaxUSDPerAddressEpoch() *big.Rat {
	return new(big.Rat).SetFrac64(30_000, int64(EpochsPerYear))
}
