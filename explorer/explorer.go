// Package explorer reads on-chain execution data over JSON-RPC. The swaps
// subgraph is not trusted for gas consumption, so every candidate
// transaction's gasUsed is re-read from its receipt here. The package also
// locates block heights by timestamp for scan-window bookkeeping.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gasrefund/gasrefund/params"
)

// Explorer errors.
var (
	ErrNoBackend       = errors.New("explorer: no RPC backend configured for chain")
	ErrReceiptNotFound = errors.New("explorer: transaction receipt not found")
	ErrFutureTimestamp = errors.New("explorer: timestamp beyond chain head")
)

// DefaultDialTimeout bounds backend dialing.
const DefaultDialTimeout = 30 * time.Second

// GasSource answers gasUsed lookups for the ingestion driver.
type GasSource interface {
	TxGasUsed(ctx context.Context, chain params.ChainID, txHash common.Hash) (uint64, error)
}

// Client multiplexes JSON-RPC backends per chain.
type Client struct {
	backends map[params.ChainID]*rpc.Client
	retries  uint64
}

// NewClient wraps already-dialed backends. Useful for in-process backends
// in tests.
func NewClient(backends map[params.ChainID]*rpc.Client) *Client {
	return &Client{backends: backends, retries: 5}
}

// Dial connects every configured endpoint.
func Dial(ctx context.Context, endpoints map[params.ChainID]string) (*Client, error) {
	backends := make(map[params.ChainID]*rpc.Client, len(endpoints))
	for chain, endpoint := range endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		backend, err := rpc.DialContext(dialCtx, endpoint)
		cancel()
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, fmt.Errorf("explorer: dialing %s backend: %w", chain, err)
		}
		backends[chain] = backend
	}
	return NewClient(backends), nil
}

// Backend returns the raw RPC client of chain, for collaborators that
// issue their own calls (log fetchers).
func (c *Client) Backend(chain params.ChainID) (*rpc.Client, bool) {
	backend, ok := c.backends[chain]
	return backend, ok
}

// Close releases all backends.
func (c *Client) Close() {
	for _, b := range c.backends {
		b.Close()
	}
}

// wireReceipt carries the one receipt field the pipeline needs.
type wireReceipt struct {
	GasUsed hexutil.Uint64 `json:"gasUsed"`
}

// wireHeader carries the header fields used by the timestamp search.
type wireHeader struct {
	Number    *hexutil.Big   `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// TxGasUsed implements GasSource: the gas consumed by txHash, read from
// its receipt. A missing receipt is ErrReceiptNotFound.
func (c *Client) TxGasUsed(ctx context.Context, chain params.ChainID, txHash common.Hash) (uint64, error) {
	backend, ok := c.backends[chain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoBackend, chain)
	}
	var receipt *wireReceipt
	err := c.call(ctx, backend, &receipt, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return 0, fmt.Errorf("explorer: receipt of %s on %s: %w", txHash, chain, err)
	}
	if receipt == nil {
		return 0, fmt.Errorf("%w: %s on %s", ErrReceiptNotFound, txHash, chain)
	}
	return uint64(receipt.GasUsed), nil
}

// HeadBlock returns the current head block number of chain.
func (c *Client) HeadBlock(ctx context.Context, chain params.ChainID) (uint64, error) {
	backend, ok := c.backends[chain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoBackend, chain)
	}
	head, err := c.header(ctx, backend, rpc.LatestBlockNumber)
	if err != nil {
		return 0, fmt.Errorf("explorer: head of %s: %w", chain, err)
	}
	return head.Number.ToInt().Uint64(), nil
}

// BlockAfterTimestamp returns the number of the earliest block whose
// timestamp is >= ts, by binary search over block headers. A timestamp
// past the chain head is ErrFutureTimestamp.
func (c *Client) BlockAfterTimestamp(ctx context.Context, chain params.ChainID, ts uint64) (uint64, error) {
	backend, ok := c.backends[chain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoBackend, chain)
	}
	head, err := c.header(ctx, backend, rpc.LatestBlockNumber)
	if err != nil {
		return 0, fmt.Errorf("explorer: head of %s: %w", chain, err)
	}
	if uint64(head.Timestamp) < ts {
		return 0, fmt.Errorf("%w: %s ts=%d head=%d", ErrFutureTimestamp, chain, ts, head.Timestamp)
	}

	lo, hi := uint64(0), head.Number.ToInt().Uint64()
	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := c.header(ctx, backend, rpc.BlockNumber(mid))
		if err != nil {
			return 0, fmt.Errorf("explorer: header %d of %s: %w", mid, chain, err)
		}
		if uint64(h.Timestamp) >= ts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (c *Client) header(ctx context.Context, backend *rpc.Client, number rpc.BlockNumber) (*wireHeader, error) {
	var h *wireHeader
	if err := c.call(ctx, backend, &h, "eth_getBlockByNumber", number, false); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("block %v missing", number)
	}
	return h, nil
}

// call runs one RPC with capped exponential retries; transport errors are
// assumed transient.
func (c *Client) call(ctx context.Context, backend *rpc.Client, result any, method string, args ...any) error {
	op := func() error {
		return backend.CallContext(ctx, result, method, args...)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	return backoff.Retry(op, policy)
}
