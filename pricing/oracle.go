// Package pricing supplies historical PSP/native/USD rates. The oracle is
// queried once per scan window; the resolver then answers per-transaction
// lookups from memory under the same-UTC-day rule: a transaction gets the
// most recent price point at or before its timestamp, and only if that
// point falls on the same UTC day. A missing point is fatal for the
// transaction, never silently skipped.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/types"
)

// Oracle errors.
var (
	ErrOracleStatus = errors.New("pricing: oracle returned non-success status")
	ErrOracleDecode = errors.New("pricing: malformed oracle response")
)

// DefaultHTTPTimeout bounds every oracle request.
const DefaultHTTPTimeout = 30 * time.Second

// Oracle returns the daily price points of one chain over [from, to].
type Oracle interface {
	DailyRates(ctx context.Context, chain params.ChainID, from, to uint64) ([]types.PricePoint, error)
}

// HTTPOracle queries a price service over HTTPS with capped exponential
// retries on transient failures.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	retries uint64
}

// NewHTTPOracle builds an oracle client against baseURL.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		retries: 5,
	}
}

// wirePricePoint is the oracle's JSON shape; rates arrive as decimal
// strings and are parsed exactly.
type wirePricePoint struct {
	Timestamp       uint64 `json:"timestamp"`
	PSPPriceUSD     string `json:"pspPriceUSD"`
	ChainPriceUSD   string `json:"chainPriceUSD"`
	PSPToNativeRate string `json:"pspToNativeRate"`
}

// DailyRates implements Oracle.
func (o *HTTPOracle) DailyRates(ctx context.Context, chain params.ChainID, from, to uint64) ([]types.PricePoint, error) {
	q := url.Values{}
	q.Set("chainId", fmt.Sprintf("%d", uint64(chain)))
	q.Set("from", fmt.Sprintf("%d", from))
	q.Set("to", fmt.Sprintf("%d", to))
	endpoint := fmt.Sprintf("%s/rates/daily?%s", o.baseURL, q.Encode())

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %d", ErrOracleStatus, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: %d", ErrOracleStatus, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("pricing: fetching daily rates for %s: %w", chain, err)
	}

	var wire []wirePricePoint
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleDecode, err)
	}
	points := make([]types.PricePoint, 0, len(wire))
	for _, w := range wire {
		psp, err := types.ParseRat(w.PSPPriceUSD)
		if err != nil {
			return nil, fmt.Errorf("%w: pspPriceUSD: %v", ErrOracleDecode, err)
		}
		native, err := types.ParseRat(w.ChainPriceUSD)
		if err != nil {
			return nil, fmt.Errorf("%w: chainPriceUSD: %v", ErrOracleDecode, err)
		}
		rate, err := types.ParseRat(w.PSPToNativeRate)
		if err != nil {
			return nil, fmt.Errorf("%w: pspToNativeRate: %v", ErrOracleDecode, err)
		}
		points = append(points, types.PricePoint{
			Timestamp:       w.Timestamp,
			PSPPriceUSD:     psp,
			ChainPriceUSD:   native,
			PSPToNativeRate: rate,
		})
	}
	return points, nil
}
