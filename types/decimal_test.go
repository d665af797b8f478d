package types

import (
	"errors"
	"math/big"
	"testing"
)

func TestParseIntEmptyAndBad(t *testing.T) {
	v, err := ParseInt("")
	if err != nil || v.Sign() != 0 {
		t.Errorf("ParseInt(\"\") = %v, %v", v, err)
	}
	if _, err := ParseInt("12x"); !errors.Is(err, ErrBadDecimal) {
		t.Errorf("expected ErrBadDecimal, got %v", err)
	}
	v, err = ParseInt("30000000000000000000000000")
	if err != nil {
		t.Fatalf("ParseInt: %v", err)
	}
	if v.String() != "30000000000000000000000000" {
		t.Errorf("round trip = %s", v)
	}
}

func TestParseRatRejectsNonDecimalForms(t *testing.T) {
	for _, s := range []string{"1/3", "1e5", "2E-3", "abc"} {
		if _, err := ParseRat(s); !errors.Is(err, ErrBadDecimal) {
			t.Errorf("ParseRat(%q): expected ErrBadDecimal, got %v", s, err)
		}
	}
	v, err := ParseRat("1153.846153846153846153")
	if err != nil {
		t.Fatalf("ParseRat: %v", err)
	}
	if v.Sign() <= 0 {
		t.Error("parsed value must be positive")
	}
}

func TestFloorRat(t *testing.T) {
	cases := []struct {
		num, den int64
		want     int64
	}{
		{7, 2, 3},
		{8, 2, 4},
		{0, 5, 0},
		{-7, 2, -4},
		{-8, 2, -4},
	}
	for _, c := range cases {
		got := FloorRat(big.NewRat(c.num, c.den))
		if got.Int64() != c.want {
			t.Errorf("FloorRat(%d/%d) = %s, want %d", c.num, c.den, got, c.want)
		}
	}
}

func TestUSDStringStableWidth(t *testing.T) {
	a := new(big.Rat).SetFrac64(15000, 13)
	s := USDString(a)
	if s != "1153.84615384615384615385" {
		t.Errorf("USDString(15000/13) = %q", s)
	}
	// Rendering then reparsing then rendering again is a fixed point.
	b, err := ParseRat(s)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if USDString(b) != s {
		t.Errorf("rendering not idempotent: %q vs %q", USDString(b), s)
	}
}

func TestTxStatusString(t *testing.T) {
	if StatusIdle.String() != "idle" || StatusValidated.String() != "validated" || StatusRejected.String() != "rejected" {
		t.Error("status names changed; persisted values depend on them")
	}
}
