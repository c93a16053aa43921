package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/database"
	"github.com/nferch/spendscope/internal/observability"
	"github.com/nferch/spendscope/internal/redisclient"
	"github.com/nferch/spendscope/internal/services/classify"
	"github.com/nferch/spendscope/internal/services/identity"
	"github.com/nferch/spendscope/internal/services/merge"
	"github.com/nferch/spendscope/internal/services/reconcile"
	"github.com/nferch/spendscope/internal/services/runner"
	"github.com/nferch/spendscope/internal/sources"
	"github.com/nferch/spendscope/internal/timeutil"
	"github.com/nferch/spendscope/internal/warehouse"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		fromFlag    = flag.String("from", "", "first day to process, YYYY-MM-DD (default: yesterday)")
		toFlag      = flag.String("to", "", "last day to process, inclusive, YYYY-MM-DD (default: same as -from)")
		sourcesFlag = flag.String("sources", "", "comma-separated source ids to run (default: all enabled)")
		configFlag  = flag.String("config", "", "path to config file")
		jsonFlag    = flag.Bool("json", false, "print the run summary as JSON")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFlag})
	if err != nil {
		log.Printf("load config: %v", err)
		return exitFatal
	}

	dates, err := resolveRange(*fromFlag, *toFlag)
	if err != nil {
		log.Printf("%v", err)
		return exitFatal
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Printf("run migrations: %v", err)
		return exitFatal
	}
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Printf("connect database: %v", err)
		return exitFatal
	}
	defer pool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Printf("connect redis: %v", err)
		return exitFatal
	}
	defer redisClient.Close()

	provider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Printf("setup observability: %v", err)
		return exitFatal
	}
	if provider != nil {
		defer provider.Shutdown(ctx)
	}
	if addr := cfg.Observability.MetricsAddr; addr != "" && provider.PrometheusHandler() != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.PrometheusHandler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics listener: %v", err)
			}
		}()
		defer metricsSrv.Shutdown(context.Background())
	}

	registry, err := sources.NewRegistry(cfg.Sources.Enabled)
	if err != nil {
		log.Printf("build source registry: %v", err)
		return exitFatal
	}

	store := warehouse.New(pool)
	merger := merge.New(store, merge.NewRedisLocker(redisClient), cfg.Merge, provider)
	checker := reconcile.New(store, cfg.Reconciliation, provider)
	pipeline := runner.New(
		registry,
		sources.NewDropDir(cfg.Sources.DropDir),
		identity.NewResolver(cfg.Identity),
		classify.NewClassifier(cfg.Classifier),
		merger,
		checker,
		store,
		provider,
	)

	summary, fatal := pipeline.Run(ctx, dates, splitSources(*sourcesFlag))
	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			log.Printf("encode summary: %v", err)
		}
	}

	switch {
	case fatal != nil:
		log.Printf("run %s failed: %v", summary.RunID, fatal)
		return exitFatal
	case summary.AllFailed():
		log.Printf("run %s: every source failed", summary.RunID)
		return exitFatal
	case summary.Partial():
		log.Printf("run %s finished with failed sources", summary.RunID)
		return exitPartial
	default:
		return exitOK
	}
}

// resolveRange turns the inclusive -from/-to day flags into the half-open
// range the pipeline operates on. With no flags the run covers yesterday.
func resolveRange(from, to string) (timeutil.DateRange, error) {
	if from == "" {
		yesterday := timeutil.TruncateToDay(time.Now().UTC().AddDate(0, 0, -1))
		from = yesterday.Format(timeutil.DayFormat)
	}
	if to == "" {
		to = from
	}
	dates, err := timeutil.ParseDateRange(from, to)
	if err != nil {
		return timeutil.DateRange{}, fmt.Errorf("invalid date range: %w", err)
	}
	return dates, nil
}

func splitSources(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
