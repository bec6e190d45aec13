package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.Decisions.WithLabelValues("symbol_replaced").Inc()
	m.Decisions.WithLabelValues("symbol_replaced").Inc()
	m.Updates.WithLabelValues("ledger", "applied").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("symbol_replaced")))

	path := filepath.Join(t.TempDir(), "amountfix.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `amountfix_decisions_total{reason="symbol_replaced"} 2`)
	assert.Contains(t, string(data), `amountfix_updates_total{result="applied",table="ledger"} 1`)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.Lookups.WithLabelValues("ok").Inc()

	assert.Equal(t, 0.0, testutil.ToFloat64(b.Lookups.WithLabelValues("ok")))
}
