package amount

// SymbolRule maps a currency symbol to its default ISO-4217 code, with optional
// per-country overrides for symbols shared by several currencies.
type SymbolRule struct {
	Default   string
	ByCountry map[string]string
}

// SymbolTable resolves currency symbols to codes. It is immutable once built and
// safe for concurrent use.
type SymbolTable struct {
	rules map[string]SymbolRule
}

// NewSymbolTable builds a table from rules. The rules are copied.
func NewSymbolTable(rules map[string]SymbolRule) SymbolTable {
	t := SymbolTable{rules: make(map[string]SymbolRule, len(rules))}
	for symbol, rule := range rules {
		copied := SymbolRule{Default: rule.Default}
		if len(rule.ByCountry) > 0 {
			copied.ByCountry = make(map[string]string, len(rule.ByCountry))
			for country, code := range rule.ByCountry {
				copied.ByCountry[country] = code
			}
		}
		t.rules[symbol] = copied
	}
	return t
}

// DefaultSymbols returns the symbols seen in App Store local amounts.
func DefaultSymbols() SymbolTable {
	return NewSymbolTable(map[string]SymbolRule{
		"$":  {Default: "USD", ByCountry: map[string]string{"CN": "HKD"}},
		"¥":  {Default: "JPY", ByCountry: map[string]string{"CN": "CNY"}},
		"€":  {Default: "EUR"},
		"£":  {Default: "GBP"},
		"Rp": {Default: "IDR"},
		"₩":  {Default: "KRW"},
		"₺":  {Default: "TRY"},
		"₱":  {Default: "PHP"},
		"S/": {Default: "PEN"},
		"RM": {Default: "MYR"},
		"₹":  {Default: "INR"},
	})
}

// Currency returns the code for symbol, preferring the override for country.
func (t SymbolTable) Currency(symbol, country string) (string, bool) {
	rule, ok := t.rules[symbol]
	if !ok {
		return "", false
	}
	if code, ok := rule.ByCountry[country]; ok {
		return code, true
	}
	return rule.Default, rule.Default != ""
}

// Len returns the number of known symbols.
func (t SymbolTable) Len() int { return len(t.rules) }
