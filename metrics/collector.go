// Package metrics counts pipeline progress per chain: swaps fetched and
// qualified, transactions staged and classified, epochs sealed, PSP
// refunded. The collector is in-memory; the read API exposes its snapshot.
package metrics

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/gasrefund/gasrefund/params"
)

// Counter names recorded by the pipeline.
const (
	SwapsFetched   = "swaps.fetched"
	SwapsQualified = "swaps.qualified"
	TxsStaged      = "txs.staged"
	TxsValidated   = "txs.validated"
	TxsRejected    = "txs.rejected"
	TxsCapped      = "txs.capped"
	EpochsSealed   = "epochs.sealed"
)

// Amount names recorded by the pipeline, PSP wei.
const (
	RefundedPSP = "refunded.psp"
)

// Snapshot is a point-in-time copy of every recorded metric. Amounts are
// wei integer strings.
type Snapshot struct {
	Counters map[string]uint64 `json:"counters"`
	Amounts  map[string]string `json:"amounts"`
}

// Collector aggregates pipeline counters. All methods are safe for
// concurrent use.
type Collector struct {
	mu       sync.RWMutex
	counters map[string]uint64
	amounts  map[string]*big.Int
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]uint64),
		amounts:  make(map[string]*big.Int),
	}
}

func key(name string, chain params.ChainID) string {
	return fmt.Sprintf("%s.chain.%d", name, uint64(chain))
}

// Inc adds n to the named per-chain counter.
func (c *Collector) Inc(name string, chain params.ChainID, n uint64) {
	k := key(name, chain)
	c.mu.Lock()
	c.counters[k] += n
	c.mu.Unlock()
}

// AddPSP adds wei to the named per-chain amount. Nil is a no-op.
func (c *Collector) AddPSP(name string, chain params.ChainID, wei *big.Int) {
	if wei == nil {
		return
	}
	k := key(name, chain)
	c.mu.Lock()
	cur, ok := c.amounts[k]
	if !ok {
		cur = new(big.Int)
		c.amounts[k] = cur
	}
	cur.Add(cur, wei)
	c.mu.Unlock()
}

// Counter returns the current value of the named per-chain counter.
func (c *Collector) Counter(name string, chain params.ChainID) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[key(name, chain)]
}

// PSP returns a copy of the named per-chain amount, zero when unrecorded.
func (c *Collector) PSP(name string, chain params.ChainID) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.amounts[key(name, chain)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Snapshot returns a copy of every recorded metric.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Counters: make(map[string]uint64, len(c.counters)),
		Amounts:  make(map[string]string, len(c.amounts)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.amounts {
		snap.Amounts[k] = v.String()
	}
	return snap
}
