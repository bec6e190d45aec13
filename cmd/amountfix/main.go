package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FACorreiaa/amountfix/cmd/app"
	"github.com/FACorreiaa/amountfix/internal/domain/reconcile"
	"github.com/FACorreiaa/amountfix/internal/domain/storekit"
	"github.com/FACorreiaa/amountfix/pkg/config"
	"github.com/FACorreiaa/amountfix/pkg/observability"
)

const usage = `usage: amountfix <command> [flags]

commands:
  fix      reconcile local_amount for orders completed in a time range
  lookup   fetch App Store transactions for a CSV of orders
  migrate  create the correction audit table
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "fix":
		err = runFix(ctx, args)
	case "lookup":
		err = runLookup(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		stop()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newLogger builds the process logger. JSON on stdout unless text is asked for.
func newLogger(w io.Writer, cfg config.LogConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// fixFlags are the command line inputs of the fix command.
type fixFlags struct {
	dsn         string
	mycliConfig string
	dsnName     string
	start       string
	end         string
	skuFile     string
	settlement  string
	geoipDB     string
	payTypes    string
	threshold   string
	metricsFile string
	debug       bool
	audit       bool
}

func parseFixFlags(args []string, cfg *config.Config) (*fixFlags, error) {
	f := &fixFlags{}
	fs := flag.NewFlagSet("fix", flag.ContinueOnError)
	fs.StringVar(&f.dsn, "dsn", "", "ledger database url (default $DATABASE_URL)")
	fs.StringVar(&f.mycliConfig, "mycli-config", "", "mycli-style config file holding dsn aliases")
	fs.StringVar(&f.dsnName, "dsn-name", "", "dsn alias to read from --mycli-config")
	fs.StringVar(&f.start, "start", "", "start of the completion window, YYYY-MM-DD HH:MM:SS")
	fs.StringVar(&f.end, "end", "", "end of the completion window, YYYY-MM-DD HH:MM:SS")
	fs.StringVar(&f.skuFile, "sku-file", "", "reference price file, one sku-country<TAB>json per line")
	fs.StringVar(&f.settlement, "settlement", "", "App Store settlement report used as reference prices")
	fs.StringVar(&f.geoipDB, "geoip-db", "", "GeoLite2 database path (default $GEOIP_DB)")
	fs.StringVar(&f.payTypes, "pay-types", "", "comma separated pay types (default 22,23)")
	fs.StringVar(&f.threshold, "threshold", "", "relative mismatch threshold for currency-coded amounts (default 0.2)")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write run metrics to this textfile collector path")
	fs.BoolVar(&f.debug, "debug", false, "dry run: log the updates instead of executing them")
	fs.BoolVar(&f.audit, "audit", false, "record applied corrections in local_amount_corrections")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var errs []error
	if f.start == "" || f.end == "" {
		errs = append(errs, errors.New("--start and --end are required"))
	}
	if (f.skuFile == "") == (f.settlement == "") {
		errs = append(errs, errors.New("exactly one of --sku-file or --settlement is required"))
	}
	if (f.mycliConfig == "") != (f.dsnName == "") {
		errs = append(errs, errors.New("--mycli-config and --dsn-name go together"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// flags override the environment
	switch {
	case f.dsn != "":
		cfg.Database.URL = f.dsn
	case f.mycliConfig != "":
		dsn, err := config.ResolveAlias(f.mycliConfig, f.dsnName)
		if err != nil {
			return nil, err
		}
		cfg.Database.URL = dsn
	}
	if f.geoipDB != "" {
		cfg.GeoIP.DBPath = f.geoipDB
	}
	if f.payTypes != "" {
		payTypes, err := config.ParsePayTypes(f.payTypes)
		if err != nil {
			return nil, err
		}
		cfg.Reconcile.PayTypes = payTypes
	}
	if f.threshold != "" {
		threshold, err := config.ParseThreshold(f.threshold)
		if err != nil {
			return nil, err
		}
		cfg.Reconcile.Threshold = threshold
	}
	if f.metricsFile != "" {
		cfg.Metrics.File = f.metricsFile
	}
	return f, nil
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	s, err := time.ParseInLocation(time.DateTime, start, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	e, err := time.ParseInLocation(time.DateTime, end, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return s, e, nil
}

func runFix(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}
	flags, err := parseFixFlags(args, cfg)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	logger := newLogger(os.Stdout, cfg.Log, flags.debug)

	start, end, err := parseWindow(flags.start, flags.end)
	if err != nil {
		logger.Error("invalid time window", "error", err)
		return err
	}

	metrics := observability.NewMetrics()
	defer writeMetrics(cfg.Metrics.File, metrics, logger)

	deps, err := app.InitFixDependencies(ctx, cfg, app.FixOptions{
		SKUFile:        flags.skuFile,
		SettlementFile: flags.settlement,
		DryRun:         flags.debug,
		Audit:          flags.audit,
	}, metrics, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		return err
	}
	defer deps.Cleanup()

	summary, err := deps.ReconcileService.Run(ctx, reconcile.RunParams{
		Start:    start,
		End:      end,
		PayTypes: cfg.Reconcile.PayTypes,
	})
	if summary != nil {
		fmt.Fprint(os.Stdout, summary.String())
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return err
	}
	return nil
}

func runLookup(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	var input, output, metricsFile string
	var concurrency int
	var debug bool
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.StringVar(&input, "input", "orders.csv", "CSV with id and transaction_id columns")
	fs.StringVar(&output, "output", "apple_order_results.jsonl", "JSON lines output, appended to")
	fs.IntVar(&concurrency, "concurrency", cfg.StoreKit.Concurrency, "maximum in-flight requests")
	fs.StringVar(&metricsFile, "metrics-file", cfg.Metrics.File, "write lookup metrics to this textfile collector path")
	fs.BoolVar(&debug, "debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.StoreKit.Concurrency = concurrency
	logger := newLogger(os.Stdout, cfg.Log, debug)

	metrics := observability.NewMetrics()
	defer writeMetrics(metricsFile, metrics, logger)

	lookup, err := app.NewLookup(cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to initialize storekit client", "error", err)
		return err
	}

	rows, err := storekit.ReadRowsFile(input)
	if err != nil {
		logger.Error("failed to read input", "path", input, "error", err)
		return err
	}

	out, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open output", "path", output, "error", err)
		return err
	}
	defer out.Close()

	logger.Info("starting lookup", "rows", len(rows), "concurrency", concurrency, "output", output)
	if _, err := lookup.Run(ctx, rows, out); err != nil {
		logger.Error("lookup failed", "error", err)
		return err
	}
	return nil
}

func runMigrate(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	var dsn string
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&dsn, "dsn", "", "ledger database url (default $DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if dsn != "" {
		cfg.Database.URL = dsn
	}
	logger := newLogger(os.Stdout, cfg.Log, false)

	database, err := app.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		return err
	}
	defer database.Close()

	if err := database.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		return err
	}
	return nil
}

func writeMetrics(path string, metrics *observability.Metrics, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logger.Error("failed to write metrics", "path", path, "error", err)
		return
	}
	logger.Info("metrics written", "path", path)
}
