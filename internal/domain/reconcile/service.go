package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FACorreiaa/amountfix/internal/domain/ledger/repository"
	"github.com/FACorreiaa/amountfix/pkg/observability"
	"github.com/FACorreiaa/amountfix/pkg/tracing"
)

// DefaultPayTypes are the App Store payment types whose amounts are reconciled.
var DefaultPayTypes = []int{22, 23}

// RunParams selects the orders of a run.
type RunParams struct {
	Start    time.Time
	End      time.Time
	PayTypes []int
}

// Service runs the engine over a batch of ledger orders and writes the
// corrections back.
type Service struct {
	repo    repository.OrderRepository
	engine  *Engine
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *tracing.Tracer
	dryRun  bool
	audit   bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDryRun logs the statements that would run instead of executing them.
func WithDryRun(dryRun bool) ServiceOption {
	return func(s *Service) { s.dryRun = dryRun }
}

// WithAudit records every applied correction in the audit table.
func WithAudit(audit bool) ServiceOption {
	return func(s *Service) { s.audit = audit }
}

// WithMetrics sets the metrics the run reports to.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *tracing.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a new reconciliation service
func NewService(repo repository.OrderRepository, engine *Engine, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = tracing.New(nil)
	}
	return s
}

// Run fetches the orders once and reconciles them one at a time. Per-order
// failures are logged and counted; the run only stops early when ctx is done,
// in which case the partial summary is returned with the context error.
func (s *Service) Run(ctx context.Context, params RunParams) (summary *Summary, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "reconcile.Run",
		attribute.String("start", params.Start.Format(time.DateTime)),
		attribute.String("end", params.End.Format(time.DateTime)),
		attribute.Bool("dry_run", s.dryRun),
	)
	defer func() {
		s.metrics.RunDuration.Set(time.Since(started).Seconds())
		tracing.End(span, err)
	}()

	payTypes := params.PayTypes
	if len(payTypes) == 0 {
		payTypes = DefaultPayTypes
	}

	orders, err := s.repo.ListOrders(ctx, repository.OrderFilter{
		Start:    params.Start,
		End:      params.End,
		PayTypes: payTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	s.logger.InfoContext(ctx, "found orders to process", "count", len(orders), "dry_run", s.dryRun)

	summary = newSummary(uuid.New(), s.dryRun)
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			s.logger.WarnContext(ctx, "run cancelled", "processed", summary.Processed)
			return summary, err
		}

		d := s.engine.Reconcile(ctx, Order{
			ID:             o.ID,
			UserID:         o.UserID,
			SKU:            o.ProductID,
			LocalAmount:    o.LocalAmount,
			IP:             o.IP,
			CompletionTime: o.CompletionTime,
		})
		summary.record(d)
		s.metrics.Decisions.WithLabelValues(d.Reason.String()).Inc()

		if !d.Corrects() {
			continue
		}
		s.apply(ctx, summary, d)
	}

	s.logger.InfoContext(ctx, "completed processing",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"corrections", summary.Corrected,
		"applied", summary.Applied,
		"no_op", summary.NoOp,
		"failed", summary.Failed,
		"review", len(summary.Review),
	)
	return summary, nil
}

// apply issues the two guarded updates for d.
func (s *Service) apply(ctx context.Context, summary *Summary, d Decision) {
	ctx, span := s.tracer.Start(ctx, "reconcile.apply",
		attribute.Int64("order_id", d.OrderID),
		attribute.String("reason", d.Reason.String()),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	original, corrected := d.OriginalAmount, d.Corrected()
	log := s.logger.With("order_id", d.OrderID, "sku", d.SKU, "from", original, "to", corrected, "reason", d.Reason.String())

	if s.dryRun {
		log.DebugContext(ctx, "dry run, not executing",
			"sql", repository.LedgerUpdateSQL(s.repo.LedgerTable()),
			"params", []any{corrected, d.OrderID, original})
		log.DebugContext(ctx, "dry run, not executing",
			"sql", repository.ShardUpdateSQL(d.UserID),
			"params", []any{corrected, d.OrderID, original})
		log.InfoContext(ctx, "would update order", "detail", d.Detail)
		summary.Planned++
		return
	}

	ledgerRows, err := s.repo.UpdatePaymentLedger(ctx, d.OrderID, original, corrected)
	if err != nil {
		log.ErrorContext(ctx, "ledger update failed", "error", err)
		s.metrics.Updates.WithLabelValues("ledger", "error").Inc()
		summary.Failed++
		return
	}
	s.countUpdate("ledger", ledgerRows)

	shardRows, err := s.repo.UpdateShardOrder(ctx, d.UserID, d.OrderID, original, corrected)
	if err != nil {
		log.ErrorContext(ctx, "shard update failed", "table", repository.ShardTable(d.UserID), "error", err)
		s.metrics.Updates.WithLabelValues("shard", "error").Inc()
		summary.Failed++
		return
	}
	s.countUpdate("shard", shardRows)

	if ledgerRows == 0 && shardRows == 0 {
		log.InfoContext(ctx, "order already changed since read, nothing updated")
		summary.NoOp++
		return
	}

	summary.Applied++
	log.InfoContext(ctx, "updated order", "ledger_rows", ledgerRows, "shard_rows", shardRows, "detail", d.Detail)

	if s.audit {
		if auditErr := s.repo.RecordCorrection(ctx, &repository.Correction{
			RunID:           summary.RunID,
			OrderID:         d.OrderID,
			UserID:          d.UserID,
			ProductID:       d.SKU,
			OriginalAmount:  original,
			CorrectedAmount: corrected,
			Reason:          d.Reason.String(),
			LedgerRows:      ledgerRows,
			ShardRows:       shardRows,
		}); auditErr != nil {
			log.WarnContext(ctx, "failed to record correction", "error", auditErr)
		}
	}
}

func (s *Service) countUpdate(table string, rows int64) {
	result := "applied"
	if rows == 0 {
		result = "no_op"
	}
	s.metrics.Updates.WithLabelValues(table, result).Inc()
}
