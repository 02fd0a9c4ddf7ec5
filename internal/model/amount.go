package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of decimals carried by an Amount.
const AmountDecimals = 6

// ErrOverflow is returned when a fixed-point result does not fit in an Amount.
var ErrOverflow = errors.New("model: fixed-point overflow")

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// Amount is a token quantity in micro-units (1 unit = 1_000_000).
type Amount int64

// NewAmount parses a human-readable decimal ("100.5") into micro-units,
// truncating anything beyond 6 decimals.
func NewAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return fromDecimal(d.Shift(AmountDecimals).Truncate(0))
}

// Decimal returns the amount in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -AmountDecimals)
}

// String renders the amount with all 6 decimals, e.g. "98.000000".
func (a Amount) String() string {
	return a.Decimal().StringFixed(AmountDecimals)
}

// MulBps returns floor(a × bps / 10000).
func (a Amount) MulBps(bps int64) (Amount, error) {
	return MulDivFloor(a, bps, BpsDenominator)
}

// MulRatio returns floor(a × ratio / 1_000_000).
func (a Amount) MulRatio(ratio int64) (Amount, error) {
	return MulDivFloor(a, ratio, PayoutScale)
}

// MulDivFloor computes floor(a × num / den) exactly.
func MulDivFloor(a Amount, num, den int64) (Amount, error) {
	if den == 0 {
		return 0, errors.New("model: division by zero")
	}
	q := decimal.NewFromInt(int64(a)).
		Mul(decimal.NewFromInt(num)).
		DivRound(decimal.NewFromInt(den), 18).
		Floor()
	return fromDecimal(q)
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	if d.GreaterThan(maxAmount) || d.LessThan(minAmount) {
		return 0, ErrOverflow
	}
	return Amount(d.IntPart()), nil
}

// MarshalJSON encodes the amount as a decimal string in whole units.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or number in whole units.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	v, err := NewAmount(s)
	if err != nil {
		return fmt.Errorf("model: invalid amount %q: %w", s, err)
	}
	*a = v
	return nil
}
