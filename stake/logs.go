// logs.go fetches staking balance changes from the chain. Staking pools
// are ERC20 share tokens, so every balance change is a Transfer log: a
// mint (from the zero address) stakes, a burn (to the zero address)
// unstakes, and a wallet-to-wallet transfer moves stake between holders.
// Logs are read over eth_getLogs in bounded block chunks; block timestamps
// are resolved once per block and cached.
package stake

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// defaultLogChunk bounds one eth_getLogs block range.
const defaultLogChunk = 10_000

// TransferLogFetcher reads the Transfer logs of a set of staking pool
// tokens and turns them into balance-change events.
type TransferLogFetcher struct {
	backend   *rpc.Client
	contracts []common.Address
	name      string
	chunk     uint64

	blockTimes map[uint64]uint64
}

// NewTransferLogFetcher builds a fetcher over the given pool contracts.
func NewTransferLogFetcher(backend *rpc.Client, contracts []common.Address, name string) *TransferLogFetcher {
	return &TransferLogFetcher{
		backend:    backend,
		contracts:  contracts,
		name:       name,
		chunk:      defaultLogChunk,
		blockTimes: make(map[uint64]uint64),
	}
}

// Name implements Fetcher.
func (f *TransferLogFetcher) Name() string { return f.name }

type wireLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	Removed     bool           `json:"removed"`
}

type logFilter struct {
	FromBlock hexutil.Uint64   `json:"fromBlock"`
	ToBlock   hexutil.Uint64   `json:"toBlock"`
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
}

// FetchEvents implements Fetcher: every stake delta of [fromBlock, toBlock]
// across the pool contracts, in log order.
func (f *TransferLogFetcher) FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	var events []Event
	for start := fromBlock; start <= toBlock; {
		end := start + f.chunk - 1
		if end > toBlock {
			end = toBlock
		}
		var logs []wireLog
		filter := logFilter{
			FromBlock: hexutil.Uint64(start),
			ToBlock:   hexutil.Uint64(end),
			Address:   f.contracts,
			Topics:    [][]common.Hash{{transferTopic}},
		}
		if err := f.backend.CallContext(ctx, &logs, "eth_getLogs", filter); err != nil {
			return nil, fmt.Errorf("stake: logs of %s [%d,%d]: %w", f.name, start, end, err)
		}
		for _, lg := range logs {
			evs, err := f.decode(ctx, lg)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
		}
		start = end + 1
	}
	return events, nil
}

// decode turns one Transfer log into its balance deltas: minus for the
// sender, plus for the receiver, with the zero address standing for
// mint/burn.
func (f *TransferLogFetcher) decode(ctx context.Context, lg wireLog) ([]Event, error) {
	if lg.Removed || len(lg.Topics) != 3 {
		return nil, nil
	}
	amount := new(big.Int).SetBytes(lg.Data)
	if amount.Sign() == 0 {
		return nil, nil
	}
	ts, err := f.blockTime(ctx, uint64(lg.BlockNumber))
	if err != nil {
		return nil, err
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())

	var events []Event
	if from != (common.Address{}) {
		events = append(events, Event{Address: from, Timestamp: ts, Delta: new(big.Int).Neg(amount)})
	}
	if to != (common.Address{}) {
		events = append(events, Event{Address: to, Timestamp: ts, Delta: amount})
	}
	return events, nil
}

func (f *TransferLogFetcher) blockTime(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := f.blockTimes[number]; ok {
		return ts, nil
	}
	var header struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := f.backend.CallContext(ctx, &header, "eth_getBlockByNumber", rpc.BlockNumber(number), false); err != nil {
		return 0, fmt.Errorf("stake: header %d: %w", number, err)
	}
	f.blockTimes[number] = uint64(header.Timestamp)
	return uint64(header.Timestamp), nil
}
