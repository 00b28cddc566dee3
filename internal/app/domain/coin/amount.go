// Package coin defines the platform coin amount type.
package coin

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// UnitsPerCoin is the number of minor units in one coin.
const UnitsPerCoin = 100

// Amount is a coin quantity in minor units (1 coin = 100 units).
type Amount int64

// FromCoins converts a whole-coin value.
func FromCoins(coins int64) Amount { return Amount(coins * UnitsPerCoin) }

// FromDecimal converts a decimal coin value, rejecting sub-unit precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	units := d.Shift(2)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than 2 decimal places", d.String())
	}
	return Amount(units.IntPart()), nil
}

// Parse parses a decimal string such as "29.99".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse that panics, for tests and constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount in coins.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String renders the amount with two decimals.
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// Units returns the raw minor-unit value.
func (a Amount) Units() int64 { return int64(a) }

// Percent returns pct percent of the amount, rounded half-up to the unit.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return Amount(decimal.NewFromInt(int64(a)).Mul(pct).Div(decimal.NewFromInt(100)).Round(0).IntPart())
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = json.Number(s)
	} else {
		raw = json.Number(string(data))
	}
	parsed, err := Parse(raw.String())
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as its minor-unit integer.
func (a Amount) Value() (driver.Value, error) { return int64(a), nil }

// Scan reads a minor-unit integer.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return err
		}
		*a = Amount(n)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*a = Amount(n)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("coin: cannot scan %T", src)
	}
	return nil
}
