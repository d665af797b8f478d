package refund

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// fakeTotals implements TotalsSource from literal values.
type fakeTotals struct {
	psp *big.Int
	usd map[common.Address]*big.Rat
}

func (f fakeTotals) ValidatedTotals(_ context.Context, _, _ uint64) (*big.Int, map[common.Address]*big.Rat, error) {
	return f.psp, f.usd, nil
}

func mustRat(t *testing.T, s string) *big.Rat {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		t.Fatalf("bad rat literal %q", s)
	}
	return r
}

func TestCapNoCapsWhenUnderBudget(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	g.BeginEpoch(cfg.EpochBudgetEpoch)

	caps, err := g.Cap(addrA, cfg.EpochBudgetEpoch, big.NewRat(5, 1), pspWei(10), big.NewRat(1, 1))
	if err != nil {
		t.Fatalf("Cap: %v", err)
	}
	if caps.Capped() {
		t.Errorf("under budget must be uncapped, got USD=%v PSP=%v", caps.USD, caps.PSP)
	}
}

func TestCapEpochHeadroom(t *testing.T) {
	// Epoch cap is 30000/26 = 1153.8461...; with 1152.99 already spent a
	// 5 USD refund caps to the remaining 1113/1300 USD.
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch
	g.BeginEpoch(epoch)
	g.Commit(addrA, epoch, mustRat(t, "1152.99"), pspWei(1))

	caps, err := g.Cap(addrA, epoch, big.NewRat(5, 1), pspWei(5), big.NewRat(1, 1))
	if err != nil {
		t.Fatalf("Cap: %v", err)
	}
	wantUSD := big.NewRat(1113, 1300)
	if caps.USD == nil || caps.USD.Cmp(wantUSD) != 0 {
		t.Errorf("cappedUSD = %v, want %s", caps.USD, wantUSD.RatString())
	}
	// floor(1113/1300 * 1e18) at 1 USD/PSP.
	wantPSP, _ := new(big.Int).SetString("856153846153846153", 10)
	if caps.PSP == nil || caps.PSP.Cmp(wantPSP) != 0 {
		t.Errorf("cappedPSP = %v, want %s", caps.PSP, wantPSP)
	}
}

func TestCapEpochInactiveBeforeActivation(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch - 1
	g.BeginEpoch(epoch)
	g.Commit(addrA, epoch, mustRat(t, "2000"), pspWei(1))

	// 2000 USD spent in one epoch would trip the epoch cap, but before the
	// activation epoch only the yearly cap applies.
	caps, err := g.Cap(addrA, epoch, big.NewRat(5, 1), pspWei(5), big.NewRat(1, 1))
	if err != nil {
		t.Fatalf("Cap: %v", err)
	}
	if caps.Capped() {
		t.Error("epoch cap applied before its activation epoch")
	}
}

func TestCapYearlyTakesPrecedence(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch
	err := g.LoadState(context.Background(), fakeTotals{
		psp: new(big.Int),
		usd: map[common.Address]*big.Rat{addrA: mustRat(t, "29999")},
	}, cfg.Clock.GenesisEpoch, epoch)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	g.BeginEpoch(epoch)

	caps, err := g.Cap(addrA, epoch, big.NewRat(5, 1), pspWei(5), big.NewRat(1, 1))
	if err != nil {
		t.Fatalf("Cap: %v", err)
	}
	// Yearly headroom 1 USD wins over the untouched epoch ledger.
	if caps.USD == nil || caps.USD.Cmp(big.NewRat(1, 1)) != 0 {
		t.Errorf("cappedUSD = %v, want 1", caps.USD)
	}
}

func TestCapGlobalPSPOnly(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch
	g.BeginEpoch(epoch)

	// 29,999,999.5 PSP already refunded this year.
	spent, _ := new(big.Int).SetString("29999999500000000000000000", 10)
	g.Commit(addrB, epoch, new(big.Rat), spent)

	caps, err := g.Cap(addrA, epoch, big.NewRat(1, 10), pspWei(2), big.NewRat(1, 1))
	if err != nil {
		t.Fatalf("Cap: %v", err)
	}
	wantPSP, _ := new(big.Int).SetString("500000000000000000", 10)
	if caps.PSP == nil || caps.PSP.Cmp(wantPSP) != 0 {
		t.Errorf("cappedPSP = %v, want %s", caps.PSP, wantPSP)
	}
	// The global cap is asset-denominated: USD stays unset.
	if caps.USD != nil {
		t.Errorf("cappedUSD = %v, want nil on the global-cap-only path", caps.USD)
	}
}

func TestCapNegativeHeadroomIsFatal(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch
	err := g.LoadState(context.Background(), fakeTotals{
		psp: new(big.Int),
		usd: map[common.Address]*big.Rat{addrA: mustRat(t, "30001")},
	}, cfg.Clock.GenesisEpoch, epoch)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	g.BeginEpoch(epoch)

	if _, err := g.Cap(addrA, epoch, big.NewRat(5, 1), pspWei(5), big.NewRat(1, 1)); !errors.Is(err, ErrNegativeCap) {
		t.Errorf("got %v, want ErrNegativeCap", err)
	}
}

func TestSpentQueries(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	epoch := cfg.EpochBudgetEpoch
	g.BeginEpoch(epoch)

	if g.IsGlobalSpent() || g.HasAddressSpentYearly(addrA) || g.HasAddressSpentEpoch(addrA) {
		t.Fatal("fresh guardian must report nothing spent")
	}

	g.Commit(addrA, epoch, params.MaxUSDPerAddressEpoch(), pspWei(1))
	if !g.HasAddressSpentEpoch(addrA) {
		t.Error("epoch cap reached but not reported")
	}
	if g.HasAddressSpentYearly(addrA) {
		t.Error("yearly cap not reached yet")
	}

	g.Commit(addrB, epoch, new(big.Rat), params.MaxPSPGlobalYearly())
	if !g.IsGlobalSpent() {
		t.Error("global budget reached but not reported")
	}
}

func TestBeginEpochYearBoundaryResets(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	g := NewGuardian(cfg)
	first := cfg.Clock.GenesisEpoch
	g.BeginEpoch(first)
	g.Commit(addrA, first, mustRat(t, "100"), pspWei(50))

	// Mid-year epoch keeps the yearly ledgers.
	g.BeginEpoch(first + 1)
	if g.TotalPSPRefunded().Sign() == 0 {
		t.Error("mid-year BeginEpoch must keep the global PSP total")
	}

	// Year boundary clears everything yearly.
	g.BeginEpoch(first + params.EpochsPerYear)
	if g.TotalPSPRefunded().Sign() != 0 {
		t.Error("year boundary must clear the global PSP total")
	}
	if g.HasAddressSpentYearly(addrA) {
		t.Error("year boundary must clear the yearly address ledger")
	}
}
