package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/amountfix/internal/domain/amount"
	"github.com/FACorreiaa/amountfix/internal/domain/reference"
)

// DefaultMismatchThreshold is the relative deviation above which a
// currency-prefixed amount is replaced by the reference price.
var DefaultMismatchThreshold = decimal.NewFromFloat(0.2)

// PriceLookup is the read-only reference data used by the engine.
type PriceLookup interface {
	Has(sku string) bool
	ByCountry(sku, country string) (reference.Price, bool)
	ByCurrency(sku, currency string) (reference.Price, bool)
	ByAmount(sku, amount string) (reference.Price, bool)
}

// CountryResolver maps an IP address to a country code. It must not fail;
// unresolvable addresses map to a default country.
type CountryResolver interface {
	Resolve(ctx context.Context, ip string) string
}

var _ PriceLookup = (*reference.Index)(nil)

// Engine applies the correction rules to single orders. It holds no mutable
// state and may be shared between goroutines if its collaborators allow it.
type Engine struct {
	prices    PriceLookup
	countries CountryResolver
	symbols   amount.SymbolTable
	threshold decimal.Decimal
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMismatchThreshold overrides DefaultMismatchThreshold.
func WithMismatchThreshold(threshold decimal.Decimal) EngineOption {
	return func(e *Engine) {
		if threshold.IsPositive() {
			e.threshold = threshold
		}
	}
}

// NewEngine creates an engine.
func NewEngine(prices PriceLookup, countries CountryResolver, symbols amount.SymbolTable, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		prices:    prices,
		countries: countries,
		symbols:   symbols,
		threshold: DefaultMismatchThreshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the mismatch threshold in use.
func (e *Engine) Threshold() decimal.Decimal { return e.threshold }

// Reconcile evaluates the rules in priority order and returns the first decision
// reached. Only a currency-coded amount whose currency is unknown for the SKU
// continues to the later rules.
func (e *Engine) Reconcile(ctx context.Context, order Order) Decision {
	d := Decision{
		OrderID:        order.ID,
		UserID:         order.UserID,
		SKU:            order.SKU,
		OriginalAmount: order.LocalAmount,
	}
	log := e.logger.With("order_id", order.ID, "sku", order.SKU, "local_amount", order.LocalAmount)

	if !e.prices.Has(order.SKU) {
		log.WarnContext(ctx, "sku not found in reference data")
		d.Reason = ReasonSkuNotFound
		d.Detail = fmt.Sprintf("sku %s has no reference price", order.SKU)
		return d
	}

	resolved := false
	country := func() string {
		if !resolved {
			d.Country = e.countries.Resolve(ctx, order.IP)
			resolved = true
		}
		return d.Country
	}

	c := amount.Classify(order.LocalAmount)
	log.DebugContext(ctx, "processing order", "shape", c.Shape.String())

	switch c.Shape {
	case amount.ShapeCurrencyCode:
		if ref, ok := e.prices.ByCurrency(order.SKU, c.Prefix); ok {
			return e.compareCurrencyAmount(ctx, log, d, c, ref)
		}
		// The string also has the symbol shape; let the symbol rule have a go.
		if e.replaceSymbol(ctx, log, &d, c, country()) {
			return d
		}

	case amount.ShapeSymbol:
		if e.replaceSymbol(ctx, log, &d, c, country()) {
			return d
		}

	case amount.ShapeZero:
		if ref, ok := e.prices.ByCountry(order.SKU, country()); ok {
			return correct(d, ref, ReasonZeroAmountFixedByCountry,
				fmt.Sprintf("replaced zero amount with %s price for %s", d.Country, order.SKU))
		}
		log.WarnContext(ctx, "zero amount and no price for country", "country", d.Country)
		d.Reason = ReasonZeroAmountUnresolved
		d.Detail = fmt.Sprintf("zero amount, no reference price for country %s", d.Country)
		d.NeedsReview = true
		return d

	case amount.ShapeNumber:
		if formatted, err := amount.NormalizeExact(c.Value); err == nil {
			if ref, ok := e.prices.ByAmount(order.SKU, formatted); ok {
				return correct(d, ref, ReasonNumericAmountDisambiguated,
					fmt.Sprintf("added currency code %s to numeric amount %s", ref.Currency, c.Value))
			}
		}
		if ref, ok := e.prices.ByCountry(order.SKU, country()); ok {
			return correct(d, ref, ReasonCountryInferredAmount,
				fmt.Sprintf("used country %s from ip to determine local amount", d.Country))
		}
	}

	log.ErrorContext(ctx, "unable to fix local amount", "country", d.Country)
	d.Reason = ReasonUnhandledFormat
	d.Detail = "unhandled case, manual analysis required"
	d.NeedsReview = true
	return d
}

func (e *Engine) compareCurrencyAmount(ctx context.Context, log *slog.Logger, d Decision, c amount.Classification, ref reference.Price) Decision {
	value, err := c.Decimal()
	if err != nil {
		log.ErrorContext(ctx, "currency amount not parsable", "error", err)
		d.Reason = ReasonUnhandledFormat
		d.Detail = fmt.Sprintf("amount %q is not a number", c.Value)
		d.NeedsReview = true
		return d
	}
	refValue, err := decimal.NewFromString(ref.Amount)
	if err != nil {
		log.ErrorContext(ctx, "reference amount not parsable", "reference", ref.Amount, "error", err)
		d.Reason = ReasonUnhandledFormat
		d.Detail = fmt.Sprintf("reference amount %q is not a number", ref.Amount)
		d.NeedsReview = true
		return d
	}

	if !e.withinThreshold(refValue, value) {
		log.WarnContext(ctx, "currency code present but amount does not match reference",
			"currency", c.Prefix, "amount", c.Value, "reference", ref.Amount)
		return correct(d, ref, ReasonCurrencyCodeAmountMismatch,
			fmt.Sprintf("corrected %s to %s", d.OriginalAmount, ref.LocalAmount))
	}

	log.InfoContext(ctx, "currency code amount matches reference",
		"currency", c.Prefix, "amount", c.Value, "reference", ref.Amount)
	d.Reason = ReasonAlreadyCorrect
	d.Detail = fmt.Sprintf("%s within %s of reference %s", d.OriginalAmount, e.threshold.String(), ref.LocalAmount)
	return d
}

// withinThreshold reports |ref - value| / value <= threshold. A zero value is
// never within threshold.
func (e *Engine) withinThreshold(ref, value decimal.Decimal) bool {
	if value.IsZero() {
		return ref.IsZero()
	}
	diff := ref.Sub(value).Abs().Div(value.Abs())
	return diff.LessThanOrEqual(e.threshold)
}

// replaceSymbol applies the symbol rule. The reference amount always wins; the
// symbol alone is not trusted.
func (e *Engine) replaceSymbol(ctx context.Context, log *slog.Logger, d *Decision, c amount.Classification, country string) bool {
	code, ok := e.symbols.Currency(c.Prefix, country)
	if !ok {
		return false
	}
	ref, ok := e.prices.ByCurrency(d.SKU, code)
	if !ok {
		return false
	}

	value, err := c.Decimal()
	refValue, refErr := decimal.NewFromString(ref.Amount)
	if err != nil || refErr != nil || !value.Equal(refValue) {
		log.WarnContext(ctx, "symbol amount does not match reference",
			"symbol", c.Prefix, "currency", code, "amount", c.Value, "reference", ref.Amount)
	}

	*d = correct(*d, ref, ReasonSymbolReplaced,
		fmt.Sprintf("replaced currency symbol %s with code %s", c.Prefix, code))
	return true
}

func correct(d Decision, ref reference.Price, reason Reason, detail string) Decision {
	corrected := ref.LocalAmount
	d.CorrectedAmount = &corrected
	d.Reason = reason
	d.Detail = detail
	return d
}
