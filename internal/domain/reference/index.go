// Package reference builds the price lookup indices that serve as ground truth
// when repairing order amounts. Indices are built once per run and never mutated
// afterwards, so they can be shared between goroutines.
package reference

// Price is one settlement price for a SKU in a country.
type Price struct {
	SKU         string
	Country     string
	Currency    string
	Amount      string // two fractional digits, e.g. "150.00"
	LocalAmount string // Currency + Amount, e.g. "JPY150.00"
}

// CountryKey indexes prices by (sku, country).
type CountryKey struct {
	SKU     string
	Country string
}

// CurrencyKey indexes prices by (sku, currency).
type CurrencyKey struct {
	SKU      string
	Currency string
}

// AmountKey indexes prices by (sku, formatted amount).
type AmountKey struct {
	SKU    string
	Amount string
}

// Index holds the three read-only lookup structures.
type Index struct {
	byCountry  map[CountryKey]Price
	byCurrency map[CurrencyKey]Price
	byAmount   map[AmountKey]Price
	skus       map[string]struct{}
}

// LoadStats describes a load for diagnostic logging.
type LoadStats struct {
	Lines     int // non-blank, non-comment lines read
	Loaded    int // lines registered in the index
	Malformed int // lines skipped
	Returns   int // settlement refund rows skipped
	Conflicts int // (sku, currency) keys overwritten with a different amount
	SKUs      int
	Countries int // (sku, country) entries
}

// builder accumulates prices before freezing them into an Index.
type builder struct {
	idx       *Index
	conflicts int
}

func newBuilder() *builder {
	return &builder{idx: &Index{
		byCountry:  make(map[CountryKey]Price),
		byCurrency: make(map[CurrencyKey]Price),
		byAmount:   make(map[AmountKey]Price),
		skus:       make(map[string]struct{}),
	}}
}

// add registers p under all three keys. Later prices win.
func (b *builder) add(p Price) {
	ck := CurrencyKey{SKU: p.SKU, Currency: p.Currency}
	if prev, ok := b.idx.byCurrency[ck]; ok && prev.Amount != p.Amount {
		b.conflicts++
	}
	b.setCountry(p)
	b.setCurrency(p)
	b.setAmount(p)
}

func (b *builder) setCountry(p Price) {
	b.idx.byCountry[CountryKey{SKU: p.SKU, Country: p.Country}] = p
	b.idx.skus[p.SKU] = struct{}{}
}

func (b *builder) setCurrency(p Price) {
	b.idx.byCurrency[CurrencyKey{SKU: p.SKU, Currency: p.Currency}] = p
	b.idx.skus[p.SKU] = struct{}{}
}

func (b *builder) setAmount(p Price) {
	b.idx.byAmount[AmountKey{SKU: p.SKU, Amount: p.Amount}] = p
	b.idx.skus[p.SKU] = struct{}{}
}

func (b *builder) build() *Index { return b.idx }

// NewIndex builds an index from prices in order.
func NewIndex(prices ...Price) *Index {
	b := newBuilder()
	for _, p := range prices {
		b.add(p)
	}
	return b.build()
}

// Has reports whether sku has any reference price.
func (i *Index) Has(sku string) bool {
	_, ok := i.skus[sku]
	return ok
}

func (i *Index) ByCountry(sku, country string) (Price, bool) {
	p, ok := i.byCountry[CountryKey{SKU: sku, Country: country}]
	return p, ok
}

func (i *Index) ByCurrency(sku, currency string) (Price, bool) {
	p, ok := i.byCurrency[CurrencyKey{SKU: sku, Currency: currency}]
	return p, ok
}

func (i *Index) ByAmount(sku, amount string) (Price, bool) {
	p, ok := i.byAmount[AmountKey{SKU: sku, Amount: amount}]
	return p, ok
}

// SKUCount returns the number of distinct SKUs.
func (i *Index) SKUCount() int { return len(i.skus) }

// CountryCount returns the number of (sku, country) entries.
func (i *Index) CountryCount() int { return len(i.byCountry) }
