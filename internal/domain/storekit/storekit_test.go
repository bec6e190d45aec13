package storekit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/amountfix/pkg/observability"
)

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return Credentials{KeyID: "ABC123", IssuerID: "issuer-1", BundleID: "com.example.app", PrivateKey: key}
}

func TestTokenSource_Claims(t *testing.T) {
	creds := testCredentials(t)
	src, err := NewTokenSource(creds, 0)
	require.NoError(t, err)

	signed, err := src.Token()
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &claims{}, func(tok *jwt.Token) (any, error) {
		return &creds.PrivateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithAudience(Audience), jwt.WithIssuer("issuer-1"))
	require.NoError(t, err)

	assert.Equal(t, "ABC123", parsed.Header["kid"])
	c := parsed.Claims.(*claims)
	assert.Equal(t, "com.example.app", c.BundleID)
	assert.WithinDuration(t, c.IssuedAt.Add(DefaultTokenTTL), c.ExpiresAt.Time, time.Second)
}

func TestTokenSource_ReusesUntilNearExpiry(t *testing.T) {
	src, err := NewTokenSource(testCredentials(t), 10*time.Minute)
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	first, err := src.Token()
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	second, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(4*time.Minute + 30*time.Second)
	third, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestNewTokenSource_MissingCredentials(t *testing.T) {
	_, err := NewTokenSource(Credentials{KeyID: "k"}, 0)
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Contains(t, err.Error(), "issuer id")
	assert.Contains(t, err.Error(), "private key")
}

func TestLoadPrivateKey_Missing(t *testing.T) {
	_, err := LoadPrivateKey(t.TempDir() + "/nope.p8")
	require.Error(t, err)
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func TestClient_Transaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/inApps/v1/transactions/2000000123":
			_, _ = w.Write([]byte(`{"signedTransactionInfo":"eyJ..."}`))
		case "/inApps/v1/transactions/404":
			w.WriteHeader(http.StatusNotFound)
		case "/inApps/v1/transactions/bad":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", staticToken("tok"), server.Client())
	ctx := context.Background()

	body, err := client.Transaction(ctx, "2000000123")
	require.NoError(t, err)
	assert.JSONEq(t, `{"signedTransactionInfo":"eyJ..."}`, string(body))

	_, err = client.Transaction(ctx, "404")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = client.Transaction(ctx, "429")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = client.Transaction(ctx, "bad")
	assert.Error(t, err)
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	assert.Equal(t, ProductionBaseURL, NewClient("", staticToken("tok"), nil).baseURL)
	assert.Equal(t, SandboxBaseURL, NewClient(SandboxBaseURL+"/", staticToken("tok"), nil).baseURL)
}

func TestReadRows(t *testing.T) {
	input := "qid,id,transaction_id\n107,1,2000000001\n208,2,\n309,3, 2000000003\n"
	rows, err := ReadRows(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{OrderID: "1", TransactionID: "2000000001"},
		{OrderID: "3", TransactionID: "2000000003"},
	}, rows)

	_, err = ReadRows(strings.NewReader("id,qid\n1,2\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ReadRows(strings.NewReader(""))
	assert.Error(t, err)
}

// slowFetcher records the peak number of concurrent calls.
type slowFetcher struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	fail     map[string]error
}

func (f *slowFetcher) Transaction(ctx context.Context, id string) (json.RawMessage, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err, ok := f.fail[id]; ok {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"transactionId":%q}`, id)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{OrderID: fmt.Sprint(i + 1), TransactionID: fmt.Sprint(2000000000 + i)}
	}
	return rows
}

func TestLookup_RespectsConcurrencyLimit(t *testing.T) {
	fetcher := &slowFetcher{fail: map[string]error{
		"2000000004": fmt.Errorf("%w: 2000000004", ErrTransactionNotFound),
		"2000000011": errors.New("connection reset"),
	}}
	metrics := observability.NewMetrics()
	lookup := NewLookup(fetcher, discardLogger(), WithConcurrency(3), WithLookupMetrics(metrics))

	var out bytes.Buffer
	stats, err := lookup.Run(context.Background(), makeRows(30), &out)
	require.NoError(t, err)

	assert.LessOrEqual(t, fetcher.peak.Load(), int64(3))
	assert.Equal(t, 30, stats.Requested)
	assert.Equal(t, 28, stats.Found)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues("error")))

	seen := map[string]bool{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		assert.NotEmpty(t, r.OrderID)
		assert.JSONEq(t, fmt.Sprintf(`{"transactionId":%q}`, r.TransactionID), string(r.Details))
		seen[r.TransactionID] = true
	}
	assert.Len(t, seen, 28)
	assert.False(t, seen["2000000004"])
}

type failingWriter struct {
	mu sync.Mutex
	n  int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	return 0, errors.New("disk full")
}

func TestLookup_WriteErrorStopsRun(t *testing.T) {
	lookup := NewLookup(&slowFetcher{}, discardLogger(), WithConcurrency(2))
	stats, err := lookup.Run(context.Background(), makeRows(50), &failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write result")
	assert.Less(t, stats.Requested, 50)
}

func TestLookup_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lookup := NewLookup(&slowFetcher{}, discardLogger(), WithRateLimit(1, 1))
	var out bytes.Buffer
	stats, err := lookup.Run(ctx, makeRows(5), &out)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Found)
	assert.Zero(t, out.Len())
}
