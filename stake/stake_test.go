package stake

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

var (
	staker = common.HexToAddress("0x0000000000000000000000000000000000000101")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000202")
)

// fakeFetcher serves a fixed event list.
type fakeFetcher struct {
	name   string
	events []Event
	err    error
	calls  int
}

func (f *fakeFetcher) FetchEvents(_ context.Context, _, _ uint64) ([]Event, error) {
	f.calls++
	return f.events, f.err
}

func (f *fakeFetcher) Name() string { return f.name }

func psp(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), params.WeiPerPSP())
}

func TestTimelineBalanceAt(t *testing.T) {
	f := &fakeFetcher{name: "spsp", events: []Event{
		{Address: staker, Timestamp: 100, Delta: psp(500)},
		{Address: staker, Timestamp: 200, Delta: psp(250)},
		{Address: staker, Timestamp: 300, Delta: new(big.Int).Neg(psp(700))},
	}}
	src := NewTimelineSource(f)
	if err := src.Load(context.Background(), 1, 1000); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		at   uint64
		want *big.Int
	}{
		{99, new(big.Int)},
		{100, psp(500)},
		{150, psp(500)},
		{200, psp(750)},
		{299, psp(750)},
		{300, psp(50)},
		{10_000, psp(50)},
	}
	for _, c := range cases {
		if got := src.BalanceAt(staker, c.at); got.Cmp(c.want) != 0 {
			t.Errorf("BalanceAt(t=%d) = %s, want %s", c.at, got, c.want)
		}
	}
	if got := src.BalanceAt(other, 500); got.Sign() != 0 {
		t.Errorf("unknown address balance = %s, want 0", got)
	}
}

func TestTimelineSameTimestampEventsFold(t *testing.T) {
	f := &fakeFetcher{name: "spsp", events: []Event{
		{Address: staker, Timestamp: 100, Delta: psp(300)},
		{Address: staker, Timestamp: 100, Delta: psp(200)},
	}}
	src := NewTimelineSource(f)
	if err := src.Load(context.Background(), 1, 10); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := src.BalanceAt(staker, 100); got.Cmp(psp(500)) != 0 {
		t.Errorf("folded balance = %s, want 500 PSP", got)
	}
}

func TestTimelineLoadOnce(t *testing.T) {
	f := &fakeFetcher{name: "spsp"}
	src := NewTimelineSource(f)
	if err := src.Load(context.Background(), 1, 10); err != nil {
		t.Fatalf("Load: %v", err)
	}
	src.BalanceAt(staker, 1)
	src.BalanceAt(staker, 2)
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1 (queries must not re-fetch)", f.calls)
	}
}

func TestTimelineLoadError(t *testing.T) {
	wantErr := errors.New("rpc down")
	src := NewTimelineSource(&fakeFetcher{name: "sm", err: wantErr})
	if err := src.Load(context.Background(), 1, 10); !errors.Is(err, wantErr) {
		t.Errorf("Load error = %v, want wrapped rpc down", err)
	}
}

func TestAggregatorSafetyModuleGate(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	spsp := NewTimelineSource(&fakeFetcher{name: "spsp", events: []Event{
		{Address: staker, Timestamp: 10, Delta: psp(400)},
	}})
	sm := NewTimelineSource(&fakeFetcher{name: "sm", events: []Event{
		{Address: staker, Timestamp: 10, Delta: psp(300)},
	}})
	agg := NewAggregator(cfg, spsp, sm)
	if err := agg.Load(context.Background(), 1, 100); err != nil {
		t.Fatalf("Load: %v", err)
	}

	before := agg.Balance(staker, 50, cfg.SafetyModuleEpoch-1)
	if before.Cmp(psp(400)) != 0 {
		t.Errorf("pre-SM balance = %s, want 400 PSP", before)
	}
	after := agg.Balance(staker, 50, cfg.SafetyModuleEpoch)
	if after.Cmp(psp(700)) != 0 {
		t.Errorf("post-SM balance = %s, want 700 PSP", after)
	}
}
