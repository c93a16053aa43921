package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/database"
	"github.com/nferch/spendscope/internal/warehouse"
)

// inspectmapping prints the current identity mapping table so an operator can
// eyeball coverage before a run.
func main() {
	var (
		configFlag  = flag.String("config", "", "path to config file")
		verboseFlag = flag.Bool("v", false, "list every entry, not just counts")
	)
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFlag})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	snap, err := warehouse.New(pool).LoadIdentityMappings(ctx)
	if err != nil {
		log.Fatalf("load mappings: %v", err)
	}

	fmt.Printf("key mappings:       %d\n", snap.KeyCount())
	fmt.Printf("workspace mappings: %d\n", snap.WorkspaceCount())

	if !*verboseFlag {
		return
	}
	for _, kind := range []string{"key", "workspace"} {
		entries := snap.Entries(kind)
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entry := entries[id]
			fmt.Printf("%-9s %-40s -> %s (confidence %.2f)\n", kind, id, entry.CanonicalUserID, entry.Confidence)
		}
	}
}
