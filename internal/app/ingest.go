package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/feeds"
	"github.com/design4music/sni-platform-sub000/internal/ingest"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 50, "Maximum feeds to fetch this run")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	svc := newIngestService(rt)
	result, err := svc.IngestDue(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"feeds=%d not_modified=%d failed=%d seen=%d inserted=%d tombstoned=%d duplicates=%d\n",
		result.FeedsFetched,
		result.FeedsNotModified,
		result.FeedsFailed,
		result.EntriesSeen,
		result.Inserted,
		result.TombstoneBlocked,
		result.Duplicates,
	)
	return 0
}

func newIngestService(rt *runtime) *ingest.Service {
	client := feeds.NewClient(feeds.Options{
		MaxAttempts: rt.cfg.FeedMaxAttempts,
		BackoffBase: rt.cfg.FeedBackoffBase,
		Lookback:    rt.cfg.FeedLookback,
	}, rt.logger)
	return ingest.NewService(rt.pool, client, rt.cfg.FeedWorkers, rt.logger)
}
