package reference

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/FACorreiaa/amountfix/internal/domain/amount"
)

// tally counts occurrences of values and remembers first-seen order so the
// most frequent value can be picked deterministically.
type tally struct {
	keys   []string
	counts map[string]int
	values map[string]Price
}

func (t *tally) add(key string, p Price) {
	if t.counts == nil {
		t.counts = make(map[string]int)
		t.values = make(map[string]Price)
	}
	if _, ok := t.counts[key]; !ok {
		t.keys = append(t.keys, key)
		t.values[key] = p
	}
	t.counts[key]++
}

// top returns the most frequent value; ties go to the first seen.
func (t *tally) top() Price {
	best := ""
	for _, k := range t.keys {
		if best == "" || t.counts[k] > t.counts[best] {
			best = k
		}
	}
	return t.values[best]
}

type orderedTallies[K comparable] struct {
	keys []K
	m    map[K]*tally
}

func (o *orderedTallies[K]) get(k K) *tally {
	if o.m == nil {
		o.m = make(map[K]*tally)
	}
	t, ok := o.m[k]
	if !ok {
		t = &tally{}
		o.m[k] = t
		o.keys = append(o.keys, k)
	}
	return t
}

// LoadSettlementFile opens path and loads it with LoadSettlement.
func (l *Loader) LoadSettlementFile(ctx context.Context, path string) (*Index, LoadStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to read settlement file: %w", err)
	}
	return l.LoadSettlement(ctx, data)
}

// LoadSettlement builds an index from an App Store sales/settlement export.
// Refund rows are ignored. When a SKU was charged several prices in the same
// currency or country, the most frequent one becomes the reference. Every
// observed price is registered in the amount index so bare numbers can be
// matched against any of them.
func (l *Loader) LoadSettlement(ctx context.Context, data []byte) (*Index, LoadStats, error) {
	var stats LoadStats

	layout, err := DetectLayout(data)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to detect settlement layout: %w", err)
	}
	cols, err := layout.Columns()
	if err != nil {
		return nil, stats, err
	}

	lines := strings.Split(string(data), "\n")
	body := strings.Join(lines[layout.SkipLines+1:], "\n")

	reader := csv.NewReader(strings.NewReader(body))
	reader.Comma = layout.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var byCurrency orderedTallies[CurrencyKey]
	var byCountry orderedTallies[CountryKey]
	b := newBuilder()

	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		if err != nil {
			stats.Malformed++
			l.logger.Warn("skipping settlement row", "row", row, "error", err)
			continue
		}
		stats.Lines++

		p, isReturn, err := parseSettlementRow(record, cols)
		if err != nil {
			stats.Malformed++
			l.logger.Warn("skipping settlement row", "row", row, "error", err)
			continue
		}
		if isReturn {
			stats.Returns++
			continue
		}

		byCurrency.get(CurrencyKey{SKU: p.SKU, Currency: p.Currency}).add(p.Amount, p)
		byCountry.get(CountryKey{SKU: p.SKU, Country: p.Country}).add(p.LocalAmount, p)
		if _, seen := b.idx.byAmount[AmountKey{SKU: p.SKU, Amount: p.Amount}]; !seen {
			b.setAmount(p)
		}
		stats.Loaded++
	}

	for _, k := range byCurrency.keys {
		t := byCurrency.m[k]
		if len(t.keys) > 1 {
			stats.Conflicts++
		}
		b.setCurrency(t.top())
	}
	for _, k := range byCountry.keys {
		b.setCountry(byCountry.m[k].top())
	}

	idx := b.build()
	stats.SKUs = idx.SKUCount()
	stats.Countries = idx.CountryCount()

	l.logger.Info("loaded settlement data",
		"skus", stats.SKUs,
		"country_entries", stats.Countries,
		"returns_skipped", stats.Returns,
		"malformed", stats.Malformed,
		"multi_price_currencies", stats.Conflicts,
	)
	return idx, stats, nil
}

func parseSettlementRow(record []string, cols SettlementColumns) (Price, bool, error) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	if strings.EqualFold(field(cols.SaleOrReturn), "R") {
		return Price{}, true, nil
	}

	sku := field(cols.SKU)
	currency := field(cols.Currency)
	country := field(cols.Country)
	rawPrice := field(cols.Price)
	if sku == "" || currency == "" || country == "" || rawPrice == "" {
		return Price{}, false, ErrIncomplete
	}

	formatted, err := amount.Normalize(rawPrice)
	if err != nil {
		return Price{}, false, fmt.Errorf("invalid customer price %q: %w", rawPrice, err)
	}

	return Price{
		SKU:         sku,
		Country:     country,
		Currency:    currency,
		Amount:      formatted,
		LocalAmount: currency + formatted,
	}, false, nil
}
