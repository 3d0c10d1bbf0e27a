package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/match"
	"github.com/design4music/sni-platform-sub000/internal/router"
	"github.com/design4music/sni-platform-sub000/internal/saga"
)

// runProcess runs every stage exactly once, in pipeline order. Useful for
// cron-style deployments and for working a backlog down by hand.
func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Per-stage batch limit")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	index, err := loadTaxonomy(ctx, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed: %v\n", err)
		return 1
	}

	ingestSvc := newIngestService(rt)
	ingested, err := ingestSvc.IngestDue(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at ingest: %v\n", err)
		return 1
	}
	fmt.Printf("ingest: feeds=%d inserted=%d\n", ingested.FeedsFetched, ingested.Inserted)

	matchSvc := match.NewService(rt.pool, index, rt.logger)
	matched, err := matchSvc.MatchPending(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at match: %v\n", err)
		return 1
	}
	fmt.Printf("match: processed=%d assigned=%d\n", matched.Processed, matched.Assigned)

	routerSvc := router.NewService(rt.pool, rt.cfg.Track, rt.cfg.TopBilateral, rt.cfg.AliasSubgroups, rt.logger)
	routed, err := routerSvc.RouteBatch(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at bucket: %v\n", err)
		return 1
	}
	fmt.Printf("bucket: headlines=%d assignments=%d\n", routed.Headlines, routed.Assignments)

	clusterSvc := newClusterService(rt, true)
	clustered, consolidated, err := clusterOnce(ctx, rt, clusterSvc, *limit, *limit, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at cluster: %v\n", err)
		return 1
	}
	fmt.Printf("cluster: buckets=%d attached=%d catchalled=%d merges=%d\n",
		clustered.Buckets, clustered.Attached, clustered.Catchalled, consolidated.Merges)

	reconciled, err := routerSvc.Reconcile(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at reconcile: %v\n", err)
		return 1
	}
	fmt.Printf("reconcile: inspected=%d migrated=%d\n", reconciled.Inspected, reconciled.Migrated)

	chainer := saga.NewChainer(rt.pool, rt.cfg.Track, rt.cfg.SagaMinSharedTags, rt.cfg.SagaScoreFloor, rt.logger)
	chained, err := chainer.ChainMonth(ctx, globaltime.Month())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed at chain: %v\n", err)
		return 1
	}
	fmt.Printf("chain: examined=%d linked=%d\n", chained.Examined, chained.Linked)

	return 0
}
