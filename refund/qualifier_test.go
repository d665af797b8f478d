package refund

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// mapStake is a StakeBalancer over a fixed address -> PSP-wei table.
type mapStake map[common.Address]*big.Int

func (m mapStake) Balance(addr common.Address, _ uint64, _ uint64) *big.Int {
	return m[addr]
}

func swapFor(addr common.Address, hashByte byte, ts uint64) types.Swap {
	return types.Swap{
		TxHash:     common.Hash{hashByte},
		BlockHash:  common.Hash{0xb0, hashByte},
		TxOrigin:   addr,
		Initiator:  addr,
		TxGasPrice: big.NewInt(1_000_000_000),
		Timestamp:  ts,
		ChainID:    params.MainnetChainID,
	}
}

func TestFilterMinStake(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	q := NewQualifier(cfg, mapStake{
		addrA: pspWei(500),
		addrB: pspWei(499),
	})

	swaps := []types.Swap{swapFor(addrA, 1, 100), swapFor(addrB, 2, 101)}
	out, err := q.Filter(params.MainnetChainID, cfg.DedupEpoch, swaps)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 1 || out[0].Swap.TxOrigin != addrA {
		t.Fatalf("expected only the staked address to qualify, got %d", len(out))
	}
	if out[0].Stake.Cmp(pspWei(500)) != 0 {
		t.Errorf("qualified stake = %s", out[0].Stake)
	}
}

func TestFilterTxOriginCheckGated(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	q := NewQualifier(cfg, mapStake{addrA: pspWei(500)})

	mismatched := swapFor(addrA, 1, 100)
	mismatched.Initiator = addrB

	// Before the activation epoch the mismatch passes.
	out, err := q.Filter(params.MainnetChainID, cfg.TxOriginCheckEpoch-1, []types.Swap{mismatched})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 1 {
		t.Error("initiator mismatch must pass before the check activates")
	}

	// From the activation epoch it is dropped.
	out, err = q.Filter(params.MainnetChainID, cfg.TxOriginCheckEpoch, []types.Swap{mismatched})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 0 {
		t.Error("initiator mismatch must be dropped from the activation epoch")
	}
}

func TestFilterDuplicateHashFatalFromDedupEpoch(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	q := NewQualifier(cfg, mapStake{addrA: pspWei(500)})

	dup := []types.Swap{swapFor(addrA, 7, 100), swapFor(addrA, 7, 200)}

	if _, err := q.Filter(params.MainnetChainID, cfg.DedupEpoch, dup); !errors.Is(err, ErrDuplicateHash) {
		t.Errorf("got %v, want ErrDuplicateHash", err)
	}
	// Before the dedup epoch duplicates are tolerated.
	if _, err := q.Filter(params.MainnetChainID, cfg.DedupEpoch-1, dup); err != nil {
		t.Errorf("pre-dedup epoch: %v", err)
	}
}

func TestFilterReorgBlacklist(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	bad := swapFor(addrA, 1, 100)
	cfg.ReorgBlacklist = map[params.ChainID][]common.Hash{
		params.MainnetChainID: {bad.BlockHash},
	}
	q := NewQualifier(cfg, mapStake{addrA: pspWei(500)})

	out, err := q.Filter(params.MainnetChainID, cfg.Clock.GenesisEpoch, []types.Swap{bad, swapFor(addrA, 2, 101)})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 1 || out[0].Swap.TxHash != (common.Hash{2}) {
		t.Fatalf("reorged-out block must always be dropped, got %d", len(out))
	}
}

func TestFilterChronologicalStableOrder(t *testing.T) {
	cfg := params.DefaultRefundConfig()
	q := NewQualifier(cfg, mapStake{addrA: pspWei(500)})

	swaps := []types.Swap{
		swapFor(addrA, 3, 300),
		swapFor(addrA, 1, 100),
		swapFor(addrA, 2, 100), // same timestamp as hash 1, listed after
	}
	out, err := q.Filter(params.MainnetChainID, cfg.DedupEpoch, swaps)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	wantOrder := []byte{1, 2, 3}
	for i, w := range wantOrder {
		if out[i].Swap.TxHash != (common.Hash{w}) {
			t.Errorf("position %d = %s, want hash %d", i, out[i].Swap.TxHash.Hex(), w)
		}
	}
}
