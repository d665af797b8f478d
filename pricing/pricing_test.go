package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// fakeOracle serves fixed points and counts calls.
type fakeOracle struct {
	points []types.PricePoint
	calls  int32
	err    error
}

func (f *fakeOracle) DailyRates(_ context.Context, _ params.ChainID, _, _ uint64) ([]types.PricePoint, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.points, f.err
}

func pt(ts uint64) types.PricePoint {
	return types.PricePoint{
		Timestamp:       ts,
		PSPPriceUSD:     big.NewRat(1, 25),
		ChainPriceUSD:   big.NewRat(2000, 1),
		PSPToNativeRate: big.NewRat(1, 50000),
	}
}

const day = uint64(secondsPerDay)

func TestResolverSameDayRule(t *testing.T) {
	base := day * 19_000 // midnight of an arbitrary day
	oracle := &fakeOracle{points: []types.PricePoint{
		pt(base),            // day D at 00:00
		pt(base + day),      // day D+1 at 00:00
		pt(base + 3*day),    // day D+3 (D+2 has no point)
	}}
	r, err := NewResolver(oracle, 16)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if err := r.Load(context.Background(), params.MainnetChainID, base, base+4*day); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Query inside day D resolves to day D's point.
	p, err := r.At(params.MainnetChainID, base+3600)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if p.Timestamp != base {
		t.Errorf("resolved ts = %d, want %d", p.Timestamp, base)
	}

	// Day D+2 has no point: the nearest earlier point is a day old and
	// must be refused.
	if _, err := r.At(params.MainnetChainID, base+2*day+100); !errors.Is(err, ErrNoPriceForDay) {
		t.Errorf("stale day: got %v, want ErrNoPriceForDay", err)
	}

	// Query before the first point has nothing at or before it.
	if _, err := r.At(params.MainnetChainID, base-1); !errors.Is(err, ErrNoPriceForDay) {
		t.Errorf("pre-window: got %v, want ErrNoPriceForDay", err)
	}
}

func TestResolverPicksLatestIntraDayPoint(t *testing.T) {
	base := day * 19_000
	noon := base + 12*3600
	evening := base + 18*3600
	oracle := &fakeOracle{points: []types.PricePoint{pt(base), pt(noon), pt(evening)}}
	r, _ := NewResolver(oracle, 16)
	if err := r.Load(context.Background(), params.MainnetChainID, base, base+day); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := r.At(params.MainnetChainID, noon+60)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if p.Timestamp != noon {
		t.Errorf("resolved ts = %d, want noon %d", p.Timestamp, noon)
	}
	// Later in the day the evening point takes over, even after the noon
	// query ran first.
	p, err = r.At(params.MainnetChainID, evening+60)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if p.Timestamp != evening {
		t.Errorf("resolved ts = %d, want evening %d", p.Timestamp, evening)
	}
}

func TestResolverLoadsOnce(t *testing.T) {
	base := day * 19_000
	oracle := &fakeOracle{points: []types.PricePoint{pt(base)}}
	r, _ := NewResolver(oracle, 16)
	if err := r.Load(context.Background(), params.MainnetChainID, base, base+day); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := r.At(params.MainnetChainID, base+uint64(i)); err != nil {
			t.Fatalf("At: %v", err)
		}
	}
	if got := atomic.LoadInt32(&oracle.calls); got != 1 {
		t.Errorf("oracle calls = %d, want 1 (lookups must not refetch)", got)
	}
}

func TestHTTPOracleParsesAndRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway) // transient, retried
			return
		}
		if req.URL.Query().Get("chainId") != "137" {
			t.Errorf("chainId = %q", req.URL.Query().Get("chainId"))
		}
		fmt.Fprint(w, `[{"timestamp":1700000000,"pspPriceUSD":"0.04","chainPriceUSD":"0.85","pspToNativeRate":"0.047058823529"}]`)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL)
	points, err := o.DailyRates(context.Background(), params.PolygonChainID, 1, 2)
	if err != nil {
		t.Fatalf("DailyRates: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].PSPPriceUSD.Cmp(big.NewRat(1, 25)) != 0 {
		t.Errorf("pspPriceUSD = %s, want 0.04", points[0].PSPPriceUSD.RatString())
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hits = %d, want 2 (one retry)", hits)
	}
}

func TestHTTPOracleBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"timestamp":1,"pspPriceUSD":"not-a-rate","chainPriceUSD":"1","pspToNativeRate":"1"}]`)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL)
	if _, err := o.DailyRates(context.Background(), params.MainnetChainID, 1, 2); !errors.Is(err, ErrOracleDecode) {
		t.Errorf("got %v, want ErrOracleDecode", err)
	}
}
