package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"lmodingest/internal/config"
	"lmodingest/internal/ingest"
	"lmodingest/internal/metrics"
	"lmodingest/internal/metrics/prompush"
	"lmodingest/internal/migrate"
	"lmodingest/internal/schema"
	"lmodingest/internal/storage"

	// register all backends with the storage factory.
	// config picks which one to use but the binary supports all of them.
	_ "lmodingest/internal/storage/all"
)

const usage = `usage:
  lmod-ingest ingest [flags] <logfile> [<logfile>...]
  lmod-ingest migrate [flags]

Connection and schema settings come from the environment (or a .env file):
DB_DRIVER, DB_USER, DB_PASS, DB_HOST, DB_PORT, DB_NAME, DB_PATH,
SCHEMA_SHAPE, ON_CONFLICT, ROW_BUDGET.
`

func main() {
	if len(os.Args) < 2 {
		fatalf(usage)
	}

	// Missing .env is fine; the environment may be populated directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fatalf("config: %v", err)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(cfg, os.Args[2:])
	case "migrate":
		runMigrate(cfg, os.Args[2:])
	default:
		fatalf("unknown command %q\n%s", os.Args[1], usage)
	}
}

func runIngest(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	strict := fs.Bool("strict", cfg.Strict, "fail on the first malformed line instead of skipping it")
	workers := fs.Int("workers", 1, "number of files ingested concurrently")
	metricsBackend := fs.String("metrics-backend", "", "metrics backend (pushgateway, none)")
	pushGatewayURL := fs.String("pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fatalf("ingest: no log files given\n%s", usage)
	}
	checkConfig(cfg)
	setupMetrics(*metricsBackend, *pushGatewayURL)
	defer flushMetrics()

	dsn, err := cfg.DSN()
	if err != nil {
		fatalf("config: %v", err)
	}
	storeCfg := storage.Config{Kind: cfg.Driver, DSN: dsn, RowBudget: cfg.RowBudget}

	ctx := context.Background()
	if err := probeSchema(ctx, storeCfg, cfg.Shape); err != nil {
		fatalf("schema check: %v (run `lmod-ingest migrate` first)", err)
	}

	p := &ingest.Pipeline{
		Open: func(ctx context.Context) (storage.Repository, error) {
			return storage.New(ctx, storeCfg)
		},
		Opts: ingest.Options{
			Shape:  cfg.Shape,
			Policy: storage.Policy(cfg.OnConflict),
			Strict: *strict,
		},
	}

	start := time.Now()
	sums, err := p.IngestFiles(ctx, fs.Args(), *workers)
	if err != nil {
		// log.Fatalf skips deferred calls; push the failure metrics first.
		flushMetrics()
		log.Fatalf("ingest: %v", err)
	}

	var parsed, skipped int
	var inserted int64
	for _, s := range sums {
		parsed += s.Parsed
		skipped += s.Skipped
		inserted += s.Inserted
	}
	log.Printf("ingest complete files=%d parsed=%d skipped=%d inserted=%d elapsed=%s",
		len(sums), parsed, skipped, inserted, time.Since(start).Truncate(time.Millisecond))
}

func runMigrate(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	target := fs.String("to", "", "stop after applying this version (default: apply all)")
	rollback := fs.String("rollback", "", "roll back a single applied version")
	dryRun := fs.Bool("dry-run", false, "print the statements without executing them")
	fs.Parse(args)

	checkConfig(cfg)

	dsn, err := cfg.DSN()
	if err != nil {
		fatalf("config: %v", err)
	}
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Driver, DSN: dsn, RowBudget: cfg.RowBudget})
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer repo.Close()

	if *rollback != "" {
		if err := migrate.Rollback(ctx, repo, cfg.Driver, *rollback, *dryRun, os.Stdout); err != nil {
			log.Fatalf("rollback: %v", err)
		}
		return
	}
	if err := migrate.Apply(ctx, repo, cfg.Driver, *target, *dryRun, os.Stdout); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// checkConfig prints every validation issue and exits on the first error.
func checkConfig(cfg config.Config) {
	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasError(issues) {
		fatalf("configuration is invalid")
	}
}

// probeSchema validates the destination tables before any work is parsed,
// so a missed migration fails fast instead of mid-load.
func probeSchema(ctx context.Context, storeCfg storage.Config, shape string) error {
	repo, err := storage.New(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	tables := []schema.TableDef{schema.FlatTable}
	if shape == config.ShapeNormalized {
		tables = []schema.TableDef{
			schema.UsersTable, schema.HostsTable,
			schema.PackagesTable, schema.ModuleUsageTable,
		}
	}
	for _, t := range tables {
		if err := repo.Probe(ctx, t.Name, t.DataColumns()); err != nil {
			return err
		}
	}
	return nil
}

// setupMetrics wires the selected metrics backend; the default is the nop
// backend. Resolution order is flag, then METRICS_BACKEND env, then off.
func setupMetrics(backendName, gwURL string) {
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "pushgateway":
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend("lmod_ingest", gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=pushgateway url=%s", gwURL)
		metrics.SetBackend(b)
	case "", "none":
		// metrics disabled; nop backend remains
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
}

func flushMetrics() {
	if err := metrics.Flush(); err != nil {
		log.Printf("metrics: flush error: %v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
