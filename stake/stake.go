// Package stake resolves a user's staked PSP at arbitrary timestamps. The
// two on-chain sources (the SPSP pools and the Safety Module) are loaded
// once per run over the block window covering the scan interval; after
// that every balance query is a pure in-memory lookup. The aggregator adds
// the Safety Module on top of SPSP from its activation epoch onward.
package stake

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

// Stake errors.
var (
	ErrNotLoaded = errors.New("stake: source queried before Load")
)

// Event is one staking balance change observed on chain.
type Event struct {
	Address   common.Address
	Timestamp uint64
	Delta     *big.Int // positive stake, negative unstake, PSP wei
}

// Fetcher retrieves the staking events of one contract family over a block
// window. Implementations talk to the chain; TimelineSource calls them
// exactly once per run.
type Fetcher interface {
	FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error)
	Name() string
}

// Source is a loaded stake source: network I/O happens in Load only,
// BalanceAt is a pure lookup.
type Source interface {
	Load(ctx context.Context, fromBlock, toBlock uint64) error
	BalanceAt(addr common.Address, timestamp uint64) *big.Int
	Name() string
}

// snapshot is a cumulative balance effective from Timestamp on.
type snapshot struct {
	Timestamp uint64
	Balance   *big.Int
}

// TimelineSource turns a Fetcher's event stream into per-address balance
// timelines answered by binary search.
type TimelineSource struct {
	fetcher Fetcher

	mu        sync.RWMutex
	loaded    bool
	timelines map[common.Address][]snapshot
}

// NewTimelineSource wraps fetcher into a queryable Source.
func NewTimelineSource(fetcher Fetcher) *TimelineSource {
	return &TimelineSource{fetcher: fetcher}
}

// Name returns the underlying fetcher's name.
func (s *TimelineSource) Name() string { return s.fetcher.Name() }

// Load fetches the events of [fromBlock, toBlock] and builds the balance
// timelines. Events are folded in (timestamp, arrival) order per address.
func (s *TimelineSource) Load(ctx context.Context, fromBlock, toBlock uint64) error {
	events, err := s.fetcher.FetchEvents(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("stake: loading %s: %w", s.fetcher.Name(), err)
	}

	byAddr := make(map[common.Address][]Event)
	for _, ev := range events {
		byAddr[ev.Address] = append(byAddr[ev.Address], ev)
	}

	timelines := make(map[common.Address][]snapshot, len(byAddr))
	for addr, evs := range byAddr {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].Timestamp < evs[j].Timestamp
		})
		line := make([]snapshot, 0, len(evs))
		running := new(big.Int)
		for _, ev := range evs {
			running = new(big.Int).Add(running, ev.Delta)
			if n := len(line); n > 0 && line[n-1].Timestamp == ev.Timestamp {
				line[n-1].Balance = running
				continue
			}
			line = append(line, snapshot{Timestamp: ev.Timestamp, Balance: running})
		}
		timelines[addr] = line
	}

	s.mu.Lock()
	s.timelines = timelines
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// BalanceAt returns the balance effective at timestamp: the cumulative
// value of the last event at or before it, zero when the address has no
// earlier events. Panics if Load has not run; callers wire Load into run
// setup.
func (s *TimelineSource) BalanceAt(addr common.Address, timestamp uint64) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		panic(ErrNotLoaded)
	}
	line := s.timelines[addr]
	// First snapshot strictly after timestamp; the one before it applies.
	i := sort.Search(len(line), func(i int) bool {
		return line[i].Timestamp > timestamp
	})
	if i == 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(line[i-1].Balance)
}

// Aggregator combines the SPSP and Safety Module sources under the epoch
// gate: SPSP alone before the Safety Module epoch, the sum from then on.
// It implements refund.StakeBalancer.
type Aggregator struct {
	cfg  *params.RefundConfig
	spsp Source
	sm   Source
}

// NewAggregator builds the two-source aggregator.
func NewAggregator(cfg *params.RefundConfig, spsp, sm Source) *Aggregator {
	return &Aggregator{cfg: cfg, spsp: spsp, sm: sm}
}

// Load loads both sources over the same block window.
func (a *Aggregator) Load(ctx context.Context, fromBlock, toBlock uint64) error {
	if err := a.spsp.Load(ctx, fromBlock, toBlock); err != nil {
		return err
	}
	return a.sm.Load(ctx, fromBlock, toBlock)
}

// Balance returns the effective staked PSP of addr at timestamp for the
// given epoch.
func (a *Aggregator) Balance(addr common.Address, timestamp uint64, epoch uint64) *big.Int {
	total := a.spsp.BalanceAt(addr, timestamp)
	if a.cfg.IsSafetyModule(epoch) {
		total = new(big.Int).Add(total, a.sm.BalanceAt(addr, timestamp))
	}
	return total
}
