package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/saga"
)

func runChain(args []string) int {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	month := fs.String("month", "", "Later month to chain, YYYY-MM (default: current month)")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chain failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	target := *month
	if target == "" {
		target = globaltime.Month()
	}

	chainer := saga.NewChainer(rt.pool, rt.cfg.Track, rt.cfg.SagaMinSharedTags, rt.cfg.SagaScoreFloor, rt.logger)
	result, err := chainer.ChainMonth(ctx, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chain failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"month=%s examined=%d linked=%d inherited=%d minted=%d\n",
		target,
		result.Examined,
		result.Linked,
		result.Inherited,
		result.Minted,
	)
	return 0
}
