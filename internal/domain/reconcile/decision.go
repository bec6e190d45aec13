// Package reconcile decides whether an order's local_amount is correct and
// drives the corrective updates for a batch of orders.
package reconcile

import "time"

// Reason explains which rule produced a decision.
type Reason int

const (
	ReasonUnhandledFormat Reason = iota
	ReasonSkuNotFound
	ReasonAlreadyCorrect
	ReasonCurrencyCodeAmountMismatch
	ReasonSymbolReplaced
	ReasonZeroAmountFixedByCountry
	ReasonZeroAmountUnresolved
	ReasonNumericAmountDisambiguated
	ReasonCountryInferredAmount
)

var reasonNames = map[Reason]string{
	ReasonUnhandledFormat:            "unhandled_format",
	ReasonSkuNotFound:                "sku_not_found",
	ReasonAlreadyCorrect:             "already_correct",
	ReasonCurrencyCodeAmountMismatch: "currency_code_amount_mismatch",
	ReasonSymbolReplaced:             "symbol_replaced",
	ReasonZeroAmountFixedByCountry:   "zero_amount_fixed_by_country",
	ReasonZeroAmountUnresolved:       "zero_amount_unresolved",
	ReasonNumericAmountDisambiguated: "numeric_amount_disambiguated",
	ReasonCountryInferredAmount:      "country_inferred_amount",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Reasons lists every reason in display order.
func Reasons() []Reason {
	return []Reason{
		ReasonAlreadyCorrect,
		ReasonCurrencyCodeAmountMismatch,
		ReasonSymbolReplaced,
		ReasonZeroAmountFixedByCountry,
		ReasonNumericAmountDisambiguated,
		ReasonCountryInferredAmount,
		ReasonSkuNotFound,
		ReasonZeroAmountUnresolved,
		ReasonUnhandledFormat,
	}
}

// Order is the slice of a ledger row the engine needs.
type Order struct {
	ID             int64
	UserID         int64
	SKU            string
	LocalAmount    string
	IP             string
	CompletionTime time.Time
}

// Decision is the engine's verdict for one order. CorrectedAmount is nil when
// no correction should be written.
type Decision struct {
	OrderID         int64
	UserID          int64
	SKU             string
	Country         string // empty when the rule did not need one
	OriginalAmount  string
	CorrectedAmount *string
	Reason          Reason
	Detail          string
	NeedsReview     bool
}

// Corrects reports whether the decision carries a value different from the original.
func (d Decision) Corrects() bool {
	return d.CorrectedAmount != nil && *d.CorrectedAmount != d.OriginalAmount
}

// Corrected returns the corrected amount or "".
func (d Decision) Corrected() string {
	if d.CorrectedAmount == nil {
		return ""
	}
	return *d.CorrectedAmount
}
