package reference

import (
	"errors"
	"strings"
)

// Settlement report header keywords
var headerKeywords = []string{
	"sku", "customer price", "customer currency", "country of sale", "sale or return",
}

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrNoHeadersFound = errors.New("could not find settlement headers")
	ErrMissingColumn  = errors.New("required settlement column missing")
)

// Layout describes where the data starts in a settlement export.
type Layout struct {
	Delimiter rune
	SkipLines int // metadata lines before the header row
	Headers   []string
}

// SettlementColumns holds the column indices used by the settlement loader.
type SettlementColumns struct {
	SKU          int
	Price        int
	Currency     int
	Country      int
	SaleOrReturn int // -1 if not present
}

// DetectLayout finds the header row and delimiter of a settlement export.
// Reports from App Store Connect may carry a few metadata lines before the header.
func DetectLayout(data []byte) (*Layout, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")
	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	raw := strings.Split(strings.TrimRight(lines[skipLines], "\r"), string(delimiter))
	headers := make([]string, len(raw))
	for i, h := range raw {
		headers[i] = strings.Trim(strings.TrimSpace(h), `"`)
	}

	return &Layout{Delimiter: delimiter, SkipLines: skipLines, Headers: headers}, nil
}

// Columns maps the settlement headers to indices.
func (l *Layout) Columns() (SettlementColumns, error) {
	cols := SettlementColumns{SKU: -1, Price: -1, Currency: -1, Country: -1, SaleOrReturn: -1}
	for i, header := range l.Headers {
		switch strings.ToLower(header) {
		case "sku":
			cols.SKU = i
		case "customer price":
			cols.Price = i
		case "customer currency":
			cols.Currency = i
		case "country of sale":
			cols.Country = i
		case "sale or return":
			cols.SaleOrReturn = i
		}
	}

	var missing []string
	if cols.SKU == -1 {
		missing = append(missing, "SKU")
	}
	if cols.Price == -1 {
		missing = append(missing, "Customer Price")
	}
	if cols.Currency == -1 {
		missing = append(missing, "Customer Currency")
	}
	if cols.Country == -1 {
		missing = append(missing, "Country of Sale")
	}
	if len(missing) > 0 {
		return cols, errors.Join(ErrMissingColumn, errors.New(strings.Join(missing, ", ")))
	}
	return cols, nil
}

// findHeaderRow locates the header row and its delimiter
func findHeaderRow(lines []string) (rune, int, error) {
	delimiters := []rune{'\t', ';', ',', '|'}

	for i, line := range lines {
		if i > 20 {
			break
		}

		lineLower := strings.ToLower(line)
		matches := 0
		for _, kw := range headerKeywords {
			if strings.Contains(lineLower, kw) {
				matches++
			}
		}
		if matches < 2 {
			continue
		}

		for _, d := range delimiters {
			if strings.Count(line, string(d)) >= 3 {
				return d, i, nil
			}
		}
	}

	return 0, 0, ErrNoHeadersFound
}
