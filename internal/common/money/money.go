package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a lowercase ISO 4217 code
type Currency string

const (
	USD Currency = "usd"
	SGD Currency = "sgd"
	AUD Currency = "aud"
	JPY Currency = "jpy"
	EUR Currency = "eur"
	HKD Currency = "hkd"
)

// ErrUnsupportedCurrency is returned for codes outside the supported set
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "US$", SymbolFirst: true},
	SGD: {Code: SGD, MinorUnits: 2, Symbol: "S$", SymbolFirst: true},
	AUD: {Code: AUD, MinorUnits: 2, Symbol: "A$", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	HKD: {Code: HKD, MinorUnits: 2, Symbol: "HK$", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsSupported reports whether the currency is in the supported set
func (c Currency) IsSupported() bool {
	_, ok := currencies[c]
	return ok
}

// Upper returns the code in the uppercase form most providers expect
func (c Currency) Upper() string {
	return strings.ToUpper(string(c))
}

// ParseCurrency normalizes a code and checks it against the supported set
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToLower(strings.TrimSpace(code)))
	if !c.IsSupported() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Money represents a monetary amount in minor units (cents, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Decimal returns the amount in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -int32(minorUnits(m.Currency)))
}

// FormatMajor renders the amount as a fixed-point major unit string, e.g. 1050 usd -> "10.50"
func (m Money) FormatMajor() string {
	return m.Decimal().StringFixed(int32(minorUnits(m.Currency)))
}

// ParseMajor parses a major unit string such as "10.50" into minor units.
// Values with more precision than the currency allows are rejected.
func ParseMajor(value string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", value, err)
	}
	scaled := d.Shift(int32(minorUnits(currency)))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has too many decimal places for %s", value, currency)
	}
	return New(scaled.IntPart(), currency), nil
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	if info.SymbolFirst {
		return info.Symbol + m.FormatMajor()
	}
	return m.FormatMajor() + info.Symbol
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

func minorUnits(c Currency) int {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}
