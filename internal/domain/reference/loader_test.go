package reference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLine(t *testing.T) {
	res := ParseLine("coins_100-JP\t{\"amount\":150000000,\"country\":\"JP\",\"currency\":\"JPY\"}")
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, Price{
		SKU:         "coins_100",
		Country:     "JP",
		Currency:    "JPY",
		Amount:      "150.00",
		LocalAmount: "JPY150.00",
	}, res.Price)
}

func TestParseLine_DashedSKU(t *testing.T) {
	res := ParseLine("com.app.coins-100-US\t{\"amount\":12990000,\"country\":\"US\",\"currency\":\"USD\"}")
	require.True(t, res.OK())
	assert.Equal(t, "com.app.coins-100", res.Price.SKU)
	assert.Equal(t, "USD12.99", res.Price.LocalAmount)
}

func TestParseLine_Skips(t *testing.T) {
	for _, line := range []string{"", "   ", "# comment"} {
		res := ParseLine(line)
		assert.True(t, res.Skip, "line %q should be skipped", line)
		assert.False(t, res.OK())
	}
}

func TestParseLine_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"no tab", "coins_100-JP {\"amount\":1}", ErrMalformedLine},
		{"no country suffix", "coins100\t{\"amount\":1,\"country\":\"JP\",\"currency\":\"JPY\"}", ErrMalformedLine},
		{"bad json", "coins_100-JP\t{amount:1", ErrMalformedLine},
		{"fractional micros", "coins_100-JP\t{\"amount\":1.5,\"country\":\"JP\",\"currency\":\"JPY\"}", ErrMalformedLine},
		{"missing currency", "coins_100-JP\t{\"amount\":1,\"country\":\"JP\"}", ErrIncomplete},
		{"missing amount", "coins_100-JP\t{\"country\":\"JP\",\"currency\":\"JPY\"}", ErrIncomplete},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := ParseLine(tc.line)
			require.False(t, res.OK())
			assert.True(t, errors.Is(res.Err, tc.want), "got %v, want %v", res.Err, tc.want)
		})
	}
}

func TestLoadSKU_BuildsIndices(t *testing.T) {
	data := strings.Join([]string{
		"# sku reference",
		"coins_100-JP\t{\"amount\":150000000,\"country\":\"JP\",\"currency\":\"JPY\"}",
		"coins_100-US\t{\"amount\":12990000,\"country\":\"US\",\"currency\":\"USD\"}",
		"coins_100-HK\t{\"amount\":98000000,\"country\":\"HK\",\"currency\":\"HKD\"}",
		"broken line",
		"coins_500-US\t{\"amount\":\"many\",\"country\":\"US\",\"currency\":\"USD\"}",
		"",
		"coins_500-DE\t{\"amount\":54990000,\"country\":\"DE\",\"currency\":\"EUR\"}",
	}, "\n")

	idx, stats, err := NewLoader(discardLogger()).LoadSKU(context.Background(), strings.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Lines)
	assert.Equal(t, 4, stats.Loaded)
	assert.Equal(t, 2, stats.Malformed)
	assert.Equal(t, 2, stats.SKUs)
	assert.Equal(t, 4, stats.Countries)
	assert.Equal(t, stats.Countries, idx.CountryCount())
	assert.Equal(t, stats.SKUs, idx.SKUCount())

	assert.True(t, idx.Has("coins_100"))
	assert.False(t, idx.Has("coins_999"))

	p, ok := idx.ByCountry("coins_100", "JP")
	require.True(t, ok)
	assert.Equal(t, "JPY150.00", p.LocalAmount)

	p, ok = idx.ByCurrency("coins_100", "USD")
	require.True(t, ok)
	assert.Equal(t, "12.99", p.Amount)

	p, ok = idx.ByAmount("coins_500", "54.99")
	require.True(t, ok)
	assert.Equal(t, "EUR54.99", p.LocalAmount)

	_, ok = idx.ByCurrency("coins_500", "USD")
	assert.False(t, ok, "malformed line must not be registered")
}

func TestLoadSKU_CurrencyConflictLastWriteWins(t *testing.T) {
	data := strings.Join([]string{
		"coins_100-DE\t{\"amount\":10990000,\"country\":\"DE\",\"currency\":\"EUR\"}",
		"coins_100-FR\t{\"amount\":11990000,\"country\":\"FR\",\"currency\":\"EUR\"}",
	}, "\n")

	idx, stats, err := NewLoader(discardLogger()).LoadSKU(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	p, ok := idx.ByCurrency("coins_100", "EUR")
	require.True(t, ok)
	assert.Equal(t, "11.99", p.Amount)

	de, _ := idx.ByCountry("coins_100", "DE")
	assert.Equal(t, "EUR10.99", de.LocalAmount)
}

func TestLoadSKUFile_MissingFile(t *testing.T) {
	_, _, err := NewLoader(discardLogger()).LoadSKUFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadSKUFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sku.txt")
	require.NoError(t, os.WriteFile(path, []byte("gems-KR\t{\"amount\":1500000000,\"country\":\"KR\",\"currency\":\"KRW\"}\n"), 0o600))

	idx, stats, err := NewLoader(discardLogger()).LoadSKUFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)

	p, ok := idx.ByCountry("gems", "KR")
	require.True(t, ok)
	assert.Equal(t, "KRW1500.00", p.LocalAmount)
}

func TestLoadSKU_ReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("gems-KR\t{}\n"), failingReader{})
	_, _, err := NewLoader(discardLogger()).LoadSKU(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read sku file")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }
