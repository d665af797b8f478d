// memory.go is the in-memory Store. It is the reference implementation the
// pipeline tests inject, and doubles as the default backend of a
// single-process deployment. Every read sorts into the canonical order so
// map iteration order never leaks into results.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

type partKey struct {
	chain params.ChainID
	epoch uint64
	addr  common.Address
}

type distKey struct {
	chain params.ChainID
	epoch uint64
}

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	txs    map[types.TxKey]*types.GasRefundTransaction
	parts  map[partKey]*types.Participation
	dists  map[distKey]*types.Distribution
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		txs:    make(map[types.TxKey]*types.GasRefundTransaction),
		parts:  make(map[partKey]*types.Participation),
		dists:  make(map[distKey]*types.Distribution),
	}
}

// canonicalLess is the (timestamp ASC, hash ASC) order of the
// re-validation pass. The hash tie-break applies even when timestamps are
// unique so the order is reproducible across backends; chain id breaks the
// theoretical cross-chain hash tie.
func canonicalLess(a, b *types.GasRefundTransaction) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if c := bytes.Compare(a.Hash.Bytes(), b.Hash.Bytes()); c != 0 {
		return c < 0
	}
	return a.ChainID < b.ChainID
}

// UpsertTransactions implements Store.
func (m *MemoryStore) UpsertTransactions(_ context.Context, txs []types.GasRefundTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range txs {
		tx := txs[i]
		if existing, ok := m.txs[tx.Key()]; ok {
			tx.ID = existing.ID
		} else {
			tx.ID = m.nextID
			m.nextID++
		}
		cp := tx
		m.txs[tx.Key()] = &cp
	}
	return nil
}

// UpdateTransactions implements Store.
func (m *MemoryStore) UpdateTransactions(_ context.Context, updates []TxUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		row, ok := m.txs[u.Key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, u.Key.Hash.Hex())
		}
		row.Status = u.Status
		if u.RefundedAmountPSP != "" {
			row.RefundedAmountPSP = u.RefundedAmountPSP
		}
		if u.RefundedAmountUSD != "" {
			row.RefundedAmountUSD = u.RefundedAmountUSD
		}
	}
	return nil
}

func (m *MemoryStore) sortedRows(filter func(*types.GasRefundTransaction) bool) []*types.GasRefundTransaction {
	rows := make([]*types.GasRefundTransaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if filter == nil || filter(tx) {
			rows = append(rows, tx)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return canonicalLess(rows[i], rows[j]) })
	return rows
}

// TransactionsPage implements Store.
func (m *MemoryStore) TransactionsPage(_ context.Context, fromEpoch uint64, offset, limit int) ([]types.GasRefundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sortedRows(func(tx *types.GasRefundTransaction) bool { return tx.Epoch >= fromEpoch })
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(rows) {
		end = len(rows)
	}
	out := make([]types.GasRefundTransaction, 0, end-offset)
	for _, r := range rows[offset:end] {
		out = append(out, *r)
	}
	return out, nil
}

// TransactionsForEpoch implements Store.
func (m *MemoryStore) TransactionsForEpoch(_ context.Context, chain params.ChainID, epoch uint64) ([]types.GasRefundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sortedRows(func(tx *types.GasRefundTransaction) bool {
		return tx.ChainID == chain && tx.Epoch == epoch
	})
	out := make([]types.GasRefundTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out, nil
}

// LastRefundedEpoch implements Store.
func (m *MemoryStore) LastRefundedEpoch(_ context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best uint64
	found := false
	for _, tx := range m.txs {
		if tx.Status == types.StatusIdle {
			continue
		}
		if !found || tx.Epoch > best {
			best = tx.Epoch
			found = true
		}
	}
	return best, found, nil
}

// CountIdle implements Store.
func (m *MemoryStore) CountIdle(_ context.Context, fromEpoch uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.txs {
		if tx.Epoch >= fromEpoch && tx.Status == types.StatusIdle {
			n++
		}
	}
	return n, nil
}

// LastProcessedTimestamp implements Store.
func (m *MemoryStore) LastProcessedTimestamp(_ context.Context, chain params.ChainID, epoch uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best uint64
	found := false
	for _, tx := range m.txs {
		if tx.ChainID != chain || tx.Epoch != epoch {
			continue
		}
		if !found || tx.Timestamp > best {
			best = tx.Timestamp
			found = true
		}
	}
	return best, found, nil
}

// ValidatedTotals implements Store.
func (m *MemoryStore) ValidatedTotals(_ context.Context, fromEpoch, upToEpoch uint64) (*big.Int, map[common.Address]*big.Rat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totalPSP := new(big.Int)
	usdByAddr := make(map[common.Address]*big.Rat)
	for _, tx := range m.txs {
		if tx.Epoch < fromEpoch || tx.Epoch >= upToEpoch || tx.Status != types.StatusValidated {
			continue
		}
		psp, err := tx.RefundedPSP()
		if err != nil {
			return nil, nil, fmt.Errorf("storage: row %s: %w", tx.Hash.Hex(), err)
		}
		usd, err := tx.RefundedUSD()
		if err != nil {
			return nil, nil, fmt.Errorf("storage: row %s: %w", tx.Hash.Hex(), err)
		}
		totalPSP.Add(totalPSP, psp)
		cur, ok := usdByAddr[tx.Address]
		if !ok {
			cur = new(big.Rat)
			usdByAddr[tx.Address] = cur
		}
		cur.Add(cur, usd)
	}
	return totalPSP, usdByAddr, nil
}

// HasDistribution implements Store.
func (m *MemoryStore) HasDistribution(_ context.Context, chain params.ChainID, epoch uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dists[distKey{chain, epoch}]
	return ok, nil
}

// LastSealedEpoch implements Store.
func (m *MemoryStore) LastSealedEpoch(_ context.Context, chain params.ChainID) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best uint64
	found := false
	for k := range m.dists {
		if k.chain != chain {
			continue
		}
		if !found || k.epoch > best {
			best = k.epoch
			found = true
		}
	}
	return best, found, nil
}

// Distribution implements Store.
func (m *MemoryStore) Distribution(_ context.Context, chain params.ChainID, epoch uint64) (types.Distribution, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dists[distKey{chain, epoch}]
	if !ok {
		return types.Distribution{}, false, nil
	}
	return *d, true, nil
}

// Participations implements Store.
func (m *MemoryStore) Participations(_ context.Context, chain params.ChainID, epoch uint64) ([]types.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Participation
	for k, p := range m.parts {
		if k.chain == chain && k.epoch == epoch {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out, nil
}

// ParticipationsForAddress implements Store.
func (m *MemoryStore) ParticipationsForAddress(_ context.Context, chain params.ChainID, addr common.Address) ([]types.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Participation
	for k, p := range m.parts {
		if k.chain == chain && k.addr == addr {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

// SealEpoch implements Store. Under one lock acquisition the distribution
// and the participations land together.
func (m *MemoryStore) SealEpoch(_ context.Context, dist types.Distribution, parts []types.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := distKey{dist.ChainID, dist.Epoch}
	if _, ok := m.dists[k]; ok {
		return fmt.Errorf("%w: %s epoch %d", ErrAlreadySealed, dist.ChainID, dist.Epoch)
	}
	dist.IsCompleted = true
	m.dists[k] = &dist
	for i := range parts {
		p := parts[i]
		p.IsCompleted = true
		m.parts[partKey{p.ChainID, p.Epoch, p.Address}] = &p
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
