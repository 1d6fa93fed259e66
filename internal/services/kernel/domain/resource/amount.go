// Package resource models the value forwarded alongside dispatched calls: an
// exact unsigned 128-bit amount and the ledger that moves it between
// principals.
package resource

import (
	"fmt"
	"strings"

	"lukechampine.com/uint128"
)

// Amount is an exact unsigned 128-bit quantity. The zero value is zero.
type Amount struct {
	v uint128.Uint128
}

// Zero is the empty amount.
var Zero = Amount{}

// NewAmount returns an amount holding v.
func NewAmount(v uint64) Amount {
	return Amount{v: uint128.From64(v)}
}

// FromParts builds an amount from its high and low 64-bit words.
func FromParts(hi, lo uint64) Amount {
	return Amount{v: uint128.New(lo, hi)}
}

// Parts returns the high and low 64-bit words.
func (a Amount) Parts() (hi, lo uint64) {
	return a.v.Hi, a.v.Lo
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp returns -1, 0 or +1 as a is less than, equal to or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(b.v)
}

// Add returns a+b and false on overflow.
func (a Amount) Add(b Amount) (Amount, bool) {
	sum := a.v.AddWrap(b.v)
	if sum.Cmp(a.v) < 0 {
		return Amount{}, false
	}
	return Amount{v: sum}, true
}

// Sub returns a-b and false when b exceeds a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	if a.v.Cmp(b.v) < 0 {
		return Amount{}, false
	}
	return Amount{v: a.v.SubWrap(b.v)}, true
}

// Uint64 returns a as a uint64 and false when it does not fit.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Lo, a.v.Hi == 0
}

// String formats a in base 10.
func (a Amount) String() string {
	return a.v.String()
}

// ParseAmount parses a base-10 amount. Empty input parses as zero.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, fmt.Errorf("amount %q is negative", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("invalid amount %q", s)
		}
	}
	v, err := uint128.FromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("amount %q exceeds 128 bits: %w", s, err)
	}
	return Amount{v: v}, nil
}
