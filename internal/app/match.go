package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/match"
)

func runMatch(args []string) int {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum headlines to classify this run")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	index, err := loadTaxonomy(ctx, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
		return 1
	}

	svc := match.NewService(rt.pool, index, rt.logger)
	result, err := svc.MatchPending(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"processed=%d assigned=%d out_of_scope=%d blocked=%d\n",
		result.Processed,
		result.Assigned,
		result.OutOfScope,
		result.Blocked,
	)
	return 0
}
