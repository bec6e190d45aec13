// Package app wires the amountfix commands to their dependencies.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/FACorreiaa/amountfix/internal/domain/amount"
	"github.com/FACorreiaa/amountfix/internal/domain/geo"
	"github.com/FACorreiaa/amountfix/internal/domain/ledger/repository"
	"github.com/FACorreiaa/amountfix/internal/domain/reconcile"
	"github.com/FACorreiaa/amountfix/internal/domain/reference"
	"github.com/FACorreiaa/amountfix/internal/domain/storekit"
	"github.com/FACorreiaa/amountfix/pkg/config"
	"github.com/FACorreiaa/amountfix/pkg/db"
	"github.com/FACorreiaa/amountfix/pkg/observability"
	"github.com/FACorreiaa/amountfix/pkg/tracing"
)

var ErrNoReferenceSource = errors.New("either a sku file or a settlement report is required")

// FixOptions are the per-invocation inputs of the fix command.
type FixOptions struct {
	SKUFile        string
	SettlementFile string
	DryRun         bool
	Audit          bool
}

// Dependencies holds everything a fix run needs
type Dependencies struct {
	Config  *config.Config
	DB      *db.DB
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *tracing.Tracer

	// Reference data
	Prices    *reference.Index
	LoadStats reference.LoadStats

	// Geolocation
	GeoDB    *geo.MaxMindDB
	Resolver *geo.Resolver

	// Repositories
	OrderRepo repository.OrderRepository

	// Services
	Engine           *reconcile.Engine
	ReconcileService *reconcile.Service
}

// InitFixDependencies loads the reference data, then opens the geolocation
// database and the ledger connection.
func InitFixDependencies(ctx context.Context, cfg *config.Config, opts FixOptions, metrics *observability.Metrics, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracing.New(nil),
	}

	// Reference data first: a bad file should fail before any connection is made
	if err := deps.initReference(ctx, opts); err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	if err := deps.initGeo(); err != nil {
		return nil, fmt.Errorf("failed to init geolocation: %w", err)
	}

	if err := deps.initDatabase(ctx); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	deps.initRepositories()
	deps.initServices(opts)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initReference(ctx context.Context, opts FixOptions) error {
	loader := reference.NewLoader(d.Logger)

	var err error
	switch {
	case opts.SKUFile != "":
		d.Prices, d.LoadStats, err = loader.LoadSKUFile(ctx, opts.SKUFile)
	case opts.SettlementFile != "":
		d.Prices, d.LoadStats, err = loader.LoadSettlementFile(ctx, opts.SettlementFile)
	default:
		return ErrNoReferenceSource
	}
	if err != nil {
		return err
	}

	d.Metrics.ReferenceLines.WithLabelValues("loaded").Add(float64(d.LoadStats.Loaded))
	d.Metrics.ReferenceLines.WithLabelValues("malformed").Add(float64(d.LoadStats.Malformed))
	d.Metrics.ReferenceLines.WithLabelValues("return").Add(float64(d.LoadStats.Returns))
	return nil
}

func (d *Dependencies) initGeo() error {
	geoDB, err := geo.Open(d.Config.GeoIP.DBPath)
	if err != nil {
		return err
	}
	d.GeoDB = geoDB
	d.Resolver = geo.NewResolver(geoDB, d.Logger)
	d.Logger.Info("geoip database opened", "path", d.Config.GeoIP.DBPath)
	return nil
}

func (d *Dependencies) initDatabase(ctx context.Context) error {
	database, err := OpenDatabase(ctx, d.Config, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database
	return nil
}

func (d *Dependencies) initRepositories() {
	d.OrderRepo = repository.NewPostgresOrderRepository(d.DB.Pool, d.Config.Database.LedgerTable)
	d.Logger.Info("repositories initialized", "ledger_table", d.OrderRepo.LedgerTable())
}

func (d *Dependencies) initServices(opts FixOptions) {
	var engineOpts []reconcile.EngineOption
	if d.Config.Reconcile.Threshold.IsPositive() {
		engineOpts = append(engineOpts, reconcile.WithMismatchThreshold(d.Config.Reconcile.Threshold))
	}
	d.Engine = reconcile.NewEngine(d.Prices, d.Resolver, amount.DefaultSymbols(), d.Logger, engineOpts...)
	d.ReconcileService = reconcile.NewService(d.OrderRepo, d.Engine, d.Logger,
		reconcile.WithDryRun(opts.DryRun),
		reconcile.WithAudit(opts.Audit),
		reconcile.WithMetrics(d.Metrics),
		reconcile.WithTracer(d.Tracer),
	)
	d.Logger.Info("services initialized", "threshold", d.Engine.Threshold().String(), "dry_run", opts.DryRun)
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	if d.GeoDB != nil {
		if err := d.GeoDB.Close(); err != nil {
			d.Logger.Warn("failed to close geoip database", "error", err)
		}
	}
	d.Logger.Info("cleanup completed")
}

// OpenDatabase connects to the ledger database.
func OpenDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	return db.New(ctx, db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}, logger)
}

// NewLookup builds the StoreKit lookup pool from the configured credentials.
func NewLookup(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*storekit.Lookup, error) {
	sk := cfg.StoreKit

	creds := storekit.Credentials{KeyID: sk.KeyID, IssuerID: sk.IssuerID, BundleID: sk.BundleID}
	if sk.PrivateKeyPath != "" {
		key, err := storekit.LoadPrivateKey(sk.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		creds.PrivateKey = key
	}
	tokens, err := storekit.NewTokenSource(creds, storekit.DefaultTokenTTL)
	if err != nil {
		return nil, err
	}

	opts := []storekit.LookupOption{
		storekit.WithConcurrency(sk.Concurrency),
		storekit.WithLookupMetrics(metrics),
	}
	if sk.RatePerSecond > 0 {
		burst := sk.Concurrency
		if burst <= 0 {
			burst = storekit.DefaultConcurrency
		}
		opts = append(opts, storekit.WithRateLimit(rate.Limit(sk.RatePerSecond), burst))
	}

	client := storekit.NewClient(sk.BaseURL, tokens, nil)
	return storekit.NewLookup(client, logger, opts...), nil
}
