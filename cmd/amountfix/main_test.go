package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/amountfix/pkg/config"
)

func TestParseFixFlags_Overrides(t *testing.T) {
	cfg := &config.Config{}
	flags, err := parseFixFlags([]string{
		"--dsn", "postgres://ops@db/payments",
		"--start", "2025-03-01 00:00:00",
		"--end", "2025-03-02 00:00:00",
		"--sku-file", "skus.tsv",
		"--geoip-db", "/data/GeoLite2-City.mmdb",
		"--pay-types", "22",
		"--threshold", "0.3",
		"--metrics-file", "/var/lib/node_exporter/amountfix.prom",
		"--debug",
	}, cfg)
	require.NoError(t, err)

	assert.True(t, flags.debug)
	assert.Equal(t, "skus.tsv", flags.skuFile)
	assert.Equal(t, "postgres://ops@db/payments", cfg.Database.URL)
	assert.Equal(t, "/data/GeoLite2-City.mmdb", cfg.GeoIP.DBPath)
	assert.Equal(t, []int{22}, cfg.Reconcile.PayTypes)
	assert.True(t, cfg.Reconcile.Threshold.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, "/var/lib/node_exporter/amountfix.prom", cfg.Metrics.File)
}

func TestParseFixFlags_Alias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myclirc")
	require.NoError(t, os.WriteFile(path, []byte("[alias_dsn]\nprod = postgres://ops:pw@ledger:5432/payments\n"), 0o600))

	cfg := &config.Config{}
	_, err := parseFixFlags([]string{
		"--mycli-config", path, "--dsn-name", "prod",
		"--start", "2025-03-01 00:00:00", "--end", "2025-03-02 00:00:00",
		"--settlement", "report.txt",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://ops:pw@ledger:5432/payments", cfg.Database.URL)
}

func TestParseFixFlags_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing window", []string{"--sku-file", "a"}, "--start and --end"},
		{"no reference", []string{"--start", "x", "--end", "y"}, "exactly one of"},
		{"both references", []string{"--start", "x", "--end", "y", "--sku-file", "a", "--settlement", "b"}, "exactly one of"},
		{"alias without file", []string{"--start", "x", "--end", "y", "--sku-file", "a", "--dsn-name", "prod"}, "go together"},
		{"bad threshold", []string{"--start", "x", "--end", "y", "--sku-file", "a", "--threshold", "0"}, "positive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFixFlags(tc.args, &config.Config{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseWindow(t *testing.T) {
	start, end, err := parseWindow("2025-03-01 00:00:00", "2025-03-01 23:59:59")
	require.NoError(t, err)
	assert.True(t, end.After(start))

	_, _, err = parseWindow("2025-03-01", "2025-03-02 00:00:00")
	assert.ErrorContains(t, err, "invalid --start")

	_, _, err = parseWindow("2025-03-02 00:00:00", "2025-03-01 00:00:00")
	assert.ErrorContains(t, err, "before")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: slog.LevelInfo, Format: "json"}, false)
	logger.Debug("hidden")
	logger.Info("shown", "order_id", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"order_id":7`)

	buf.Reset()
	logger = newLogger(&buf, config.LogConfig{Level: slog.LevelInfo, Format: "text"}, true)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "level=DEBUG msg=visible")
}
