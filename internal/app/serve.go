package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/httpapi"
)

const httpShutdownTimeout = 10 * time.Second

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	api := httpapi.New(rt.pool, rt.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start(rt.cfg.ServeHost, rt.cfg.ServePort)
	}()

	rt.logger.Info().
		Str("host", rt.cfg.ServeHost).
		Int("port", rt.cfg.ServePort).
		Msg("http server started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Serve shutdown: %v\n", err)
		return 1
	}
	rt.logger.Info().Msg("http server stopped")
	return 0
}
