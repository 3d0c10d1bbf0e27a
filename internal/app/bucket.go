package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/router"
)

func runBucket(args []string) int {
	fs := flag.NewFlagSet("bucket", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum headlines to route this run")
	reconcile := fs.Bool("reconcile", true, "Also run the bilateral reconciliation pass")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bucket failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	svc := router.NewService(rt.pool, rt.cfg.Track, rt.cfg.TopBilateral, rt.cfg.AliasSubgroups, rt.logger)
	result, err := svc.RouteBatch(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bucket failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"headlines=%d assignments=%d domestic=%d bilateral=%d other_international=%d buckets=%d\n",
		result.Headlines,
		result.Assignments,
		result.Domestic,
		result.Bilateral,
		result.OtherInternational,
		result.BucketsTouched,
	)

	if *reconcile {
		rec, err := svc.Reconcile(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
			return 1
		}
		fmt.Printf("reconciled_inspected=%d reconciled_migrated=%d\n", rec.Inspected, rec.Migrated)
	}
	return 0
}
