// Package amount classifies raw local_amount strings stored in the billing ledger.
// It recognises the syntactic shapes the ledger has been seen to contain and
// splits them into a currency marker and a numeric part.
package amount

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount format")

// Shape is the syntactic form of a raw amount string.
type Shape int

const (
	ShapeUnrecognized Shape = iota
	ShapeCurrencyCode       // USD12.99
	ShapeSymbol             // $12.99, Rp15000
	ShapeZero               // 0, 0.0, 0.00
	ShapeNumber             // 12.99
)

func (s Shape) String() string {
	switch s {
	case ShapeCurrencyCode:
		return "currency_code"
	case ShapeSymbol:
		return "symbol"
	case ShapeZero:
		return "zero"
	case ShapeNumber:
		return "number"
	default:
		return "unrecognized"
	}
}

var (
	currencyCodePattern = regexp.MustCompile(`^([A-Z]{3})(\d+(\.\d+)?)$`)
	symbolPattern       = regexp.MustCompile(`^([^0-9.]+)(\d+(\.\d+)?)$`)
	numberPattern       = regexp.MustCompile(`^(\d+(\.\d+)?)$`)
)

// Classification is the result of matching a raw amount against the known shapes.
// Prefix holds the currency code or symbol, Value the numeric part as written.
type Classification struct {
	Raw    string
	Shape  Shape
	Prefix string
	Value  string
}

// Decimal parses the numeric part.
func (c Classification) Decimal() (decimal.Decimal, error) {
	if c.Value == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(c.Value)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Classify matches raw against the shapes in priority order: currency code,
// symbol, zero, bare number. The first match wins.
func Classify(raw string) Classification {
	c := Classification{Raw: raw}

	if m := currencyCodePattern.FindStringSubmatch(raw); m != nil {
		c.Shape, c.Prefix, c.Value = ShapeCurrencyCode, m[1], m[2]
		return c
	}
	if m := symbolPattern.FindStringSubmatch(raw); m != nil {
		c.Shape, c.Prefix, c.Value = ShapeSymbol, m[1], m[2]
		return c
	}
	if IsZero(raw) {
		c.Shape, c.Value = ShapeZero, raw
		return c
	}
	if m := numberPattern.FindStringSubmatch(raw); m != nil {
		c.Shape, c.Value = ShapeNumber, m[1]
		return c
	}
	return c
}

// IsZero reports whether raw is one of the literal zero spellings the ledger uses.
func IsZero(raw string) bool {
	switch raw {
	case "0", "0.0", "0.00":
		return true
	}
	return false
}

// Format renders d with exactly two fractional digits, rounding half away from zero.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Normalize reformats a numeric string to two decimals. Leading and trailing
// whitespace is ignored.
func Normalize(raw string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidAmount
	}
	return Format(d), nil
}

// NormalizeExact is Normalize for values that already fit in two decimals.
// Anything finer, such as "12.985", is ErrInvalidAmount rather than rounded.
func NormalizeExact(raw string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidAmount
	}
	if !d.Equal(d.Round(2)) {
		return "", ErrInvalidAmount
	}
	return Format(d), nil
}

// FromMicros converts an integer amount in micro-units to a two-decimal string:
// 150000000 -> "150.00".
func FromMicros(micros int64) string {
	return Format(decimal.NewFromInt(micros).Div(decimal.NewFromInt(1_000_000)))
}
