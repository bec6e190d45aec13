package reference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/FACorreiaa/amountfix/internal/domain/amount"
)

var (
	ErrMalformedLine = errors.New("malformed reference line")
	ErrIncomplete    = errors.New("incomplete reference data")
)

// ParseResult is the outcome of parsing one reference line. Exactly one of
// Price or Err is meaningful; Skip marks blank and comment lines.
type ParseResult struct {
	Price Price
	Err   error
	Skip  bool
}

// OK reports whether the line produced a price.
func (r ParseResult) OK() bool { return !r.Skip && r.Err == nil }

type skuLine struct {
	Amount   *json.Number `json:"amount"`
	Country  string       `json:"country"`
	Currency string       `json:"currency"`
}

// ParseLine parses `{sku}-{country}\t{"amount":150000000,"country":"JP","currency":"JPY"}`.
// The amount is in micro-units.
func ParseLine(line string) ParseResult {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ParseResult{Skip: true}
	}

	keyPart, jsonPart, ok := strings.Cut(line, "\t")
	if !ok {
		return ParseResult{Err: fmt.Errorf("%w: missing tab separator", ErrMalformedLine)}
	}
	keyPart = strings.TrimSpace(keyPart)
	sep := strings.LastIndex(keyPart, "-")
	if sep < 0 {
		return ParseResult{Err: fmt.Errorf("%w: key %q has no country suffix", ErrMalformedLine, keyPart)}
	}
	sku := keyPart[:sep]

	var data skuLine
	dec := json.NewDecoder(strings.NewReader(jsonPart))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return ParseResult{Err: fmt.Errorf("%w: %v", ErrMalformedLine, err)}
	}
	if sku == "" || data.Country == "" || data.Currency == "" || data.Amount == nil {
		return ParseResult{Err: ErrIncomplete}
	}

	micros, err := data.Amount.Int64()
	if err != nil {
		return ParseResult{Err: fmt.Errorf("%w: amount %q is not an integer", ErrMalformedLine, data.Amount.String())}
	}

	formatted := amount.FromMicros(micros)
	return ParseResult{Price: Price{
		SKU:         sku,
		Country:     data.Country,
		Currency:    data.Currency,
		Amount:      formatted,
		LocalAmount: data.Currency + formatted,
	}}
}

// Loader reads reference sources into an Index.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a loader that reports skipped lines to logger.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadSKUFile opens path and loads it with LoadSKU. Failing to open the file is fatal.
func (l *Loader) LoadSKUFile(ctx context.Context, path string) (*Index, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open sku file: %w", err)
	}
	defer f.Close()
	return l.LoadSKU(ctx, f)
}

// LoadSKU reads reference lines from r. Malformed lines are logged, counted and
// skipped; only a read error aborts the load.
func (l *Loader) LoadSKU(ctx context.Context, r io.Reader) (*Index, LoadStats, error) {
	b := newBuilder()
	var stats LoadStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%10000 == 0 && ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}

		res := ParseLine(scanner.Text())
		if res.Skip {
			continue
		}
		stats.Lines++
		if res.Err != nil {
			stats.Malformed++
			l.logger.Warn("skipping reference line", "line", lineNum, "error", res.Err)
			continue
		}
		b.add(res.Price)
		stats.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read sku file: %w", err)
	}

	idx := b.build()
	stats.Conflicts = b.conflicts
	stats.SKUs = idx.SKUCount()
	stats.Countries = idx.CountryCount()

	l.logger.Info("loaded sku data",
		"skus", stats.SKUs,
		"country_entries", stats.Countries,
		"malformed", stats.Malformed,
		"currency_conflicts", stats.Conflicts,
	)
	return idx, stats, nil
}
