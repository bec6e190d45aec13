package storekit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/FACorreiaa/amountfix/pkg/observability"
)

const DefaultConcurrency = 10

var ErrMissingColumn = errors.New("missing required column")

// Row is one order to look up.
type Row struct {
	OrderID       string
	TransactionID string
}

// Result is one line of the output stream.
type Result struct {
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"apple_transaction_id"`
	Details       json.RawMessage `json:"apple_order_details"`
}

// ReadRowsFile opens path and reads its rows.
func ReadRowsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lookup input: %w", err)
	}
	defer f.Close()
	return ReadRows(f)
}

// ReadRows reads a CSV with an id and a transaction_id column. Rows without a
// transaction id are dropped.
func ReadRows(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	idCol, txCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id":
			idCol = i
		case "transaction_id":
			txCol = i
		}
	}
	if idCol < 0 || txCol < 0 {
		return nil, fmt.Errorf("%w: need id and transaction_id, got %v", ErrMissingColumn, header)
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		if len(record) <= idCol || len(record) <= txCol {
			continue
		}
		tx := strings.TrimSpace(record[txCol])
		if tx == "" {
			continue
		}
		rows = append(rows, Row{OrderID: strings.TrimSpace(record[idCol]), TransactionID: tx})
	}
	return rows, nil
}

// Fetcher retrieves one transaction.
type Fetcher interface {
	Transaction(ctx context.Context, transactionID string) (json.RawMessage, error)
}

// LookupStats counts the outcome of a lookup run.
type LookupStats struct {
	Requested int
	Found     int
	Failed    int
}

// Lookup fans transaction requests out over a bounded pool.
type Lookup struct {
	fetcher     Fetcher
	logger      *slog.Logger
	metrics     *observability.Metrics
	limiter     *rate.Limiter
	concurrency int
}

// LookupOption configures a Lookup.
type LookupOption func(*Lookup)

// WithConcurrency caps the number of in-flight requests.
func WithConcurrency(n int) LookupOption {
	return func(l *Lookup) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithRateLimit throttles request starts.
func WithRateLimit(r rate.Limit, burst int) LookupOption {
	return func(l *Lookup) { l.limiter = rate.NewLimiter(r, burst) }
}

// WithLookupMetrics sets the metrics lookups report to.
func WithLookupMetrics(m *observability.Metrics) LookupOption {
	return func(l *Lookup) { l.metrics = m }
}

// NewLookup creates a lookup over fetcher.
func NewLookup(fetcher Fetcher, logger *slog.Logger, opts ...LookupOption) *Lookup {
	l := &Lookup{
		fetcher:     fetcher,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = observability.NewMetrics()
	}
	return l
}

// Run looks up every row and appends one JSON line per found transaction to
// w. Failed lookups are logged and counted. Only a write error or ctx ending
// stops the run early.
func (l *Lookup) Run(ctx context.Context, rows []Row, w io.Writer) (LookupStats, error) {
	var (
		mu    sync.Mutex
		stats LookupStats
		enc   = json.NewEncoder(w)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for _, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := l.limiter.Wait(gctx); err != nil {
				return err
			}

			started := time.Now()
			details, err := l.fetcher.Transaction(gctx, row.TransactionID)
			l.metrics.LookupDuration.Observe(time.Since(started).Seconds())

			mu.Lock()
			defer mu.Unlock()
			stats.Requested++

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				stats.Failed++
				l.metrics.Lookups.WithLabelValues(lookupResult(err)).Inc()
				l.logger.ErrorContext(gctx, "failed to query transaction",
					"order_id", row.OrderID, "transaction_id", row.TransactionID, "error", err)
				return nil
			}

			if err := enc.Encode(Result{OrderID: row.OrderID, TransactionID: row.TransactionID, Details: details}); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
			stats.Found++
			l.metrics.Lookups.WithLabelValues("found").Inc()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	l.logger.InfoContext(ctx, "lookup finished",
		"rows", len(rows), "requested", stats.Requested, "found", stats.Found, "failed", stats.Failed)
	return stats, err
}

func lookupResult(err error) string {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrUnexpectedStatus):
		return "bad_status"
	default:
		return "error"
	}
}
