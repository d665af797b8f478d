// decimal.go holds the arithmetic helpers shared across the pipeline.
// All monetary math is arbitrary precision: PSP wei amounts are big.Int,
// USD values and price rates are big.Rat. Floating point never appears.
package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// USDDecimals is the number of fractional digits USD values are rendered
// with when persisted. Divisions (gas fee / PSP rate) produce rationals
// with non-decimal denominators, so a fixed rendering width is what makes
// the persisted strings reproducible byte for byte.
const USDDecimals = 20

// ErrBadDecimal reports an unparseable decimal string.
var ErrBadDecimal = errors.New("types: malformed decimal string")

// ParseInt parses a base-10 integer string (empty counts as zero).
func ParseInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	return v, nil
}

// ParseRat parses a decimal string such as "1153.846" into an exact
// rational (empty counts as zero).
func ParseRat(s string) (*big.Rat, error) {
	if s == "" {
		return new(big.Rat), nil
	}
	// Persisted values are plain decimal strings; reject the rational and
	// exponent forms big.Rat would otherwise accept.
	if strings.ContainsAny(s, "/eE") {
		return nil, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	return v, nil
}

// FloorRat returns the largest integer ≤ r.
func FloorRat(r *big.Rat) *big.Int {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if r.Sign() < 0 && !r.IsInt() {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

// RatFromInt converts an integer amount to a rational.
func RatFromInt(v *big.Int) *big.Rat {
	return new(big.Rat).SetInt(v)
}

// USDString renders a USD rational with the canonical persisted width.
func USDString(r *big.Rat) string {
	return r.FloatString(USDDecimals)
}

// IntString renders a wei amount as its persisted integer string.
func IntString(v *big.Int) string {
	return v.String()
}
