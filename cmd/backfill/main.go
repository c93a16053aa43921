package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/database"
	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
	"github.com/nferch/spendscope/internal/warehouse"
)

// backfill drops the fact partition for one source and date range so the next
// pipeline run can rebuild it from scratch. Destructive, so it refuses to act
// without -yes.
func main() {
	var (
		fromFlag   = flag.String("from", "", "first day to clear, YYYY-MM-DD")
		toFlag     = flag.String("to", "", "last day to clear, inclusive, YYYY-MM-DD")
		sourceFlag = flag.String("source", "", "source id to clear")
		configFlag = flag.String("config", "", "path to config file")
		yesFlag    = flag.Bool("yes", false, "actually delete; without it, print what would happen")
	)
	flag.Parse()

	if *fromFlag == "" || *toFlag == "" || *sourceFlag == "" {
		log.Fatal("all of -from, -to, -source are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFlag})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dates, err := timeutil.ParseDateRange(*fromFlag, *toFlag)
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}

	if !*yesFlag {
		fmt.Printf("would delete usage and cost facts for source %s over %s; rerun with -yes to proceed\n",
			*sourceFlag, dates)
		return
	}

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	store := warehouse.New(pool)
	started := time.Now().UTC()
	usageDeleted, costDeleted, err := store.DeleteFactsPartition(ctx, *sourceFlag, dates)
	if err != nil {
		log.Fatalf("delete facts: %v", err)
	}

	summary := models.RunSummary{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		RangeStart: dates.Start(),
		RangeEnd:   dates.End(),
		Sources: []models.SourceOutcome{{
			SourceID:   *sourceFlag,
			Succeeded:  true,
			UsageFacts: int(usageDeleted),
			CostFacts:  int(costDeleted),
		}},
	}
	if err := store.RecordRun(ctx, "backfill", summary); err != nil {
		log.Fatalf("record backfill run: %v", err)
	}

	fmt.Printf("deleted %d usage facts and %d cost facts for source %s over %s (run %s)\n",
		usageDeleted, costDeleted, *sourceFlag, dates, summary.RunID)
}
