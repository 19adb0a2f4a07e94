// Package money provides integer minor-unit monetary amounts. All escrow
// accounting is done in minor units; floating point never carries an
// authoritative value.
package money

import (
	"encoding/json"
	"fmt"
	"math"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

var minorUnits = map[Currency]int{
	USD: 2,
	EUR: 2,
	GBP: 2,
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// MustSub subtracts two money values, panics on currency mismatch
func (m Money) MustSub(other Money) Money {
	result, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Negate returns the negated amount
func (m Money) Negate() Money {
	return Money{AmountMinor: -m.AmountMinor, Currency: m.Currency}
}

// Percentage calculates a percentage share (basis points / 10000),
// rounded to the nearest minor unit.
func (m Money) Percentage(basisPoints int64) Money {
	return Money{
		AmountMinor: int64(math.Round(float64(m.AmountMinor) * float64(basisPoints) / 10000)),
		Currency:    m.Currency,
	}
}

// PercentOf returns the whole-number percentage this amount represents of
// total. Display only; the minor-unit integers stay authoritative.
func (m Money) PercentOf(total Money) int {
	if total.AmountMinor == 0 {
		return 0
	}
	return int(math.Round(float64(m.AmountMinor) * 100 / float64(total.AmountMinor)))
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// GreaterThan checks if m > other (false on currency mismatch)
func (m Money) GreaterThan(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor > other.AmountMinor
}

// LessThan checks if m < other (false on currency mismatch)
func (m Money) LessThan(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor < other.AmountMinor
}

// String returns a human-readable representation
func (m Money) String() string {
	units, ok := minorUnits[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	divisor := math.Pow(10, float64(units))
	return fmt.Sprintf("%.*f %s", units, float64(m.AmountMinor)/divisor, m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{m.AmountMinor, string(m.Currency)})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}
	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
