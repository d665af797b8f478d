// resolver.go answers per-transaction price lookups from a preloaded
// window. Resolution rule: the point with the largest timestamp at or
// before the query, restricted to the same UTC day.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Resolver errors.
var (
	// ErrNoPriceForDay is fatal for the transaction that hit it: computing
	// a refund without a same-day rate would corrupt the payouts.
	ErrNoPriceForDay = errors.New("pricing: no price point in the transaction's UTC day")
)

const secondsPerDay = 24 * 60 * 60

// dayKey caches resolutions per (chain, UTC day).
type dayKey struct {
	chain params.ChainID
	day   uint64
}

// Resolver preloads daily rates per chain and serves same-day lookups.
type Resolver struct {
	oracle Oracle

	mu     sync.RWMutex
	points map[params.ChainID][]types.PricePoint // ascending by timestamp
	cache  *lru.Cache[dayKey, types.PricePoint]
}

// NewResolver builds a resolver with an LRU of cacheSize resolved days.
func NewResolver(oracle Oracle, cacheSize int) (*Resolver, error) {
	cache, err := lru.New[dayKey, types.PricePoint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("pricing: building day cache: %w", err)
	}
	return &Resolver{
		oracle: oracle,
		points: make(map[params.ChainID][]types.PricePoint),
		cache:  cache,
	}, nil
}

// Load fetches the window [from, to] for chain and replaces its points.
func (r *Resolver) Load(ctx context.Context, chain params.ChainID, from, to uint64) error {
	points, err := r.oracle.DailyRates(ctx, chain, from, to)
	if err != nil {
		return err
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	r.mu.Lock()
	r.points[chain] = points
	r.mu.Unlock()
	return nil
}

// At resolves the price point governing a transaction at t. The point is
// the latest one with timestamp <= t inside t's UTC day; its absence is
// ErrNoPriceForDay.
func (r *Resolver) At(chain params.ChainID, t uint64) (*types.PricePoint, error) {
	day := t / secondsPerDay
	key := dayKey{chain: chain, day: day}
	if p, ok := r.cache.Get(key); ok && p.Timestamp <= t {
		cp := p
		return &cp, nil
	}

	r.mu.RLock()
	points := r.points[chain]
	r.mu.RUnlock()

	// First point strictly after t; the one before it is the candidate.
	i := sort.Search(len(points), func(i int) bool {
		return points[i].Timestamp > t
	})
	if i == 0 {
		return nil, fmt.Errorf("%w: chain %s t=%d", ErrNoPriceForDay, chain, t)
	}
	p := points[i-1]
	if p.Timestamp/secondsPerDay != day {
		return nil, fmt.Errorf("%w: chain %s t=%d nearest=%d", ErrNoPriceForDay, chain, t, p.Timestamp)
	}
	// Cache only the day's final point: an intra-day predecessor would be
	// wrong for queries later in the same day.
	if i == len(points) || points[i].Timestamp/secondsPerDay != day {
		r.cache.Add(key, p)
	}
	return &p, nil
}
