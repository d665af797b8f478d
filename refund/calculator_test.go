package refund

import (
	"errors"
	"math/big"
	"testing"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// testPrice builds a price point with integer-friendly rates:
// 1 native = 1 USD, 1 PSP = 12 USD, 3 native wei per PSP wei.
func testPrice() *types.PricePoint {
	return &types.PricePoint{
		Timestamp:       1_700_000_000,
		PSPPriceUSD:     big.NewRat(12, 1),
		ChainPriceUSD:   big.NewRat(1, 1),
		PSPToNativeRate: big.NewRat(3, 1),
	}
}

func TestComputeBaseline(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	calc := NewCalculator(cfg)
	epoch := cfg.EpochBudgetEpoch // any non-glitch epoch

	// gasCost = 7e9 * 1e9 = 7e18 wei.
	comp, err := calc.Compute(epoch, 7_000_000_000, big.NewInt(1_000_000_000), testPrice(), pspWei(500))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	wantCost, _ := new(big.Int).SetString("7000000000000000000", 10)
	if comp.GasUsedChainCurrency.Cmp(wantCost) != 0 {
		t.Errorf("gas cost = %s, want %s", comp.GasUsedChainCurrency, wantCost)
	}
	// 7e18 wei at 1 USD/native = 7 USD.
	if comp.GasUsedUSD.Cmp(big.NewRat(7, 1)) != 0 {
		t.Errorf("gasUsedUSD = %s, want 7", comp.GasUsedUSD.RatString())
	}
	// gasFeePSP = 7e18/3, tier 25% -> raw = 7e18/12 (non-integer).
	wantRaw := new(big.Rat).SetFrac(wantCost, big.NewInt(12))
	if comp.RefundRawPSP.Cmp(wantRaw) != 0 {
		t.Errorf("refundRaw = %s, want %s", comp.RefundRawPSP.RatString(), wantRaw.RatString())
	}
	// refundUSD = raw * 12 / 1e18 = 7 USD exactly.
	if comp.RefundUSD.Cmp(big.NewRat(7, 1)) != 0 {
		t.Errorf("refundUSD = %s, want 7", comp.RefundUSD.RatString())
	}
	wantPSP, _ := new(big.Int).SetString("583333333333333333", 10)
	if comp.RefundPSP.Cmp(wantPSP) != 0 {
		t.Errorf("refundPSP = %s, want %s", comp.RefundPSP, wantPSP)
	}
}

func TestComputePrecisionGlitchFloorsBeforeUSD(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	calc := NewCalculator(cfg)

	comp, err := calc.Compute(cfg.PrecisionGlitchEpoch, 7_000_000_000, big.NewInt(1_000_000_000), testPrice(), pspWei(500))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// Raw is floored before the USD conversion, so the USD value comes out
	// strictly below the general formula's 7 USD.
	wantPSP, _ := new(big.Int).SetString("583333333333333333", 10)
	if comp.RefundPSP.Cmp(wantPSP) != 0 {
		t.Errorf("refundPSP = %s, want %s", comp.RefundPSP, wantPSP)
	}
	wantUSDNum, _ := new(big.Int).SetString("6999999999999999996", 10)
	wantUSD := new(big.Rat).SetFrac(wantUSDNum, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if comp.RefundUSD.Cmp(wantUSD) != 0 {
		t.Errorf("glitch refundUSD = %s, want %s", comp.RefundUSD.RatString(), wantUSD.RatString())
	}
	if comp.RefundUSD.Cmp(big.NewRat(7, 1)) >= 0 {
		t.Error("glitch refundUSD must be strictly below the general value")
	}
}

func TestComputeErrors(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	calc := NewCalculator(cfg)
	epoch := cfg.EpochBudgetEpoch

	if _, err := calc.Compute(epoch, 1, big.NewInt(1), nil, pspWei(500)); !errors.Is(err, ErrMissingPrice) {
		t.Errorf("nil price: got %v, want ErrMissingPrice", err)
	}
	if _, err := calc.Compute(epoch, 1, big.NewInt(1), testPrice(), pspWei(499)); !errors.Is(err, ErrNoTier) {
		t.Errorf("under-staked: got %v, want ErrNoTier", err)
	}
	zeroRate := testPrice()
	zeroRate.PSPToNativeRate = new(big.Rat)
	if _, err := calc.Compute(epoch, 1, big.NewInt(1), zeroRate, pspWei(500)); !errors.Is(err, ErrZeroRate) {
		t.Errorf("zero rate: got %v, want ErrZeroRate", err)
	}
}

func TestRecomputeMatchesCompute(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	calc := NewCalculator(cfg)
	epoch := cfg.EpochBudgetEpoch

	comp, err := calc.Compute(epoch, 7_000_000_000, big.NewInt(1_000_000_000), testPrice(), pspWei(500))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	row := &types.GasRefundTransaction{
		Epoch:                epoch,
		GasUsedChainCurrency: comp.GasUsedChainCurrency.String(),
		PSPChainCurrency:     "3",
		PSPUSD:               "12",
		ChainCurrencyUSD:     "1",
		TotalStakeAmountPSP:  pspWei(500).String(),
	}
	re, err := calc.Recompute(row)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if re.RefundPSP.Cmp(comp.RefundPSP) != 0 {
		t.Errorf("recomputed PSP = %s, want %s", re.RefundPSP, comp.RefundPSP)
	}
	if re.RefundUSD.Cmp(comp.RefundUSD) != 0 {
		t.Errorf("recomputed USD = %s, want %s", re.RefundUSD.RatString(), comp.RefundUSD.RatString())
	}
}

func TestRecomputeRejectsMalformedRow(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	calc := NewCalculator(cfg)
	row := &types.GasRefundTransaction{
		Epoch:                cfg.EpochBudgetEpoch,
		GasUsedChainCurrency: "not-a-number",
		PSPChainCurrency:     "3",
		PSPUSD:               "12",
		ChainCurrencyUSD:     "1",
		TotalStakeAmountPSP:  pspWei(500).String(),
	}
	if _, err := calc.Recompute(row); !errors.Is(err, ErrBadStoredValue) {
		t.Errorf("got %v, want ErrBadStoredValue", err)
	}
}
