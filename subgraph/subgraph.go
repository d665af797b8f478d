// Package subgraph fetches the aggregator's swap history per chain. The
// swaps subgraph is queried over GraphQL with (first, skip) pagination and
// an optional blockHash exclusion list for reorged-out blocks. Only the
// swap identity fields are trusted from here; gasUsed comes from the block
// explorer.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Subgraph errors.
var (
	ErrNoEndpoint    = errors.New("subgraph: no endpoint configured for chain")
	ErrGraphQLStatus = errors.New("subgraph: non-success response status")
	ErrGraphQLErrors = errors.New("subgraph: response carries errors")
	ErrGraphQLDecode = errors.New("subgraph: malformed response")
)

// DefaultHTTPTimeout bounds every subgraph request.
const DefaultHTTPTimeout = 30 * time.Second

// defaultPageSize is the (first) window of one GraphQL page.
const defaultPageSize = 100

// SwapSource is what the ingestion driver consumes: the swaps of one chain
// within [fromTime, toTime), chronological.
type SwapSource interface {
	FetchSwaps(ctx context.Context, chain params.ChainID, fromTime, toTime uint64) ([]types.Swap, error)
}

const swapsQuery = `query ($first: Int!, $skip: Int!, $from: BigInt!, $to: BigInt!) {
  swaps(first: $first, skip: $skip, orderBy: timestamp, orderDirection: asc,
        where: {timestamp_gte: $from, timestamp_lt: $to}) {
    txHash txOrigin initiator txGasPrice blockNumber blockHash timestamp
  }
}`

const swapsQueryExcluding = `query ($first: Int!, $skip: Int!, $from: BigInt!, $to: BigInt!, $excluded: [Bytes!]!) {
  swaps(first: $first, skip: $skip, orderBy: timestamp, orderDirection: asc,
        where: {timestamp_gte: $from, timestamp_lt: $to, blockHash_not_in: $excluded}) {
    txHash txOrigin initiator txGasPrice blockNumber blockHash timestamp
  }
}`

// Client is a GraphQL swaps client over per-chain endpoints.
type Client struct {
	cfg       *params.RefundConfig
	endpoints map[params.ChainID]string
	client    *http.Client
	pageSize  int
	retries   uint64
}

// NewClient builds a swaps client. The config supplies the per-chain reorg
// blacklist pushed down into the query.
func NewClient(cfg *params.RefundConfig, endpoints map[params.ChainID]string) *Client {
	return &Client{
		cfg:       cfg,
		endpoints: endpoints,
		client:    &http.Client{Timeout: DefaultHTTPTimeout},
		pageSize:  defaultPageSize,
		retries:   5,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type wireSwap struct {
	TxHash      common.Hash    `json:"txHash"`
	TxOrigin    common.Address `json:"txOrigin"`
	Initiator   common.Address `json:"initiator"`
	TxGasPrice  string         `json:"txGasPrice"`
	BlockNumber string         `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	Timestamp   string         `json:"timestamp"`
}

type graphQLResponse struct {
	Data struct {
		Swaps []wireSwap `json:"swaps"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchSwaps implements SwapSource: all swaps of [fromTime, toTime),
// paginated until a short page.
func (c *Client) FetchSwaps(ctx context.Context, chain params.ChainID, fromTime, toTime uint64) ([]types.Swap, error) {
	endpoint, ok := c.endpoints[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, chain)
	}

	query := swapsQuery
	var excluded []string
	if blacklist := c.cfg.BlacklistedBlocks(chain); len(blacklist) > 0 {
		query = swapsQueryExcluding
		excluded = make([]string, len(blacklist))
		for i, h := range blacklist {
			excluded[i] = h.Hex()
		}
	}

	var out []types.Swap
	for skip := 0; ; skip += c.pageSize {
		vars := map[string]any{
			"first": c.pageSize,
			"skip":  skip,
			"from":  fmt.Sprintf("%d", fromTime),
			"to":    fmt.Sprintf("%d", toTime),
		}
		if excluded != nil {
			vars["excluded"] = excluded
		}
		page, err := c.queryPage(ctx, endpoint, graphQLRequest{Query: query, Variables: vars})
		if err != nil {
			return nil, fmt.Errorf("subgraph: %s swaps page skip=%d: %w", chain, skip, err)
		}
		for _, w := range page {
			s, err := w.toSwap(chain)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		if len(page) < c.pageSize {
			return out, nil
		}
	}
}

func (w wireSwap) toSwap(chain params.ChainID) (types.Swap, error) {
	gasPrice, err := types.ParseInt(w.TxGasPrice)
	if err != nil {
		return types.Swap{}, fmt.Errorf("%w: txGasPrice: %v", ErrGraphQLDecode, err)
	}
	blockNumber, err := types.ParseInt(w.BlockNumber)
	if err != nil {
		return types.Swap{}, fmt.Errorf("%w: blockNumber: %v", ErrGraphQLDecode, err)
	}
	ts, err := types.ParseInt(w.Timestamp)
	if err != nil {
		return types.Swap{}, fmt.Errorf("%w: timestamp: %v", ErrGraphQLDecode, err)
	}
	return types.Swap{
		TxHash:      w.TxHash,
		BlockHash:   w.BlockHash,
		TxOrigin:    w.TxOrigin,
		Initiator:   w.Initiator,
		TxGasPrice:  gasPrice,
		BlockNumber: blockNumber.Uint64(),
		Timestamp:   ts.Uint64(),
		ChainID:     chain,
	}, nil
}

// queryPage POSTs one GraphQL request with capped exponential retries on
// transient failures.
func (c *Client) queryPage(ctx context.Context, endpoint string, reqBody graphQLRequest) ([]wireSwap, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %d", ErrGraphQLStatus, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: %d", ErrGraphQLStatus, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphQLDecode, err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrGraphQLErrors, decoded.Errors[0].Message)
	}
	return decoded.Data.Swaps, nil
}
