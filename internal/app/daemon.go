package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/daemon"
	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/httpapi"
	"github.com/design4music/sni-platform-sub000/internal/match"
	"github.com/design4music/sni-platform-sub000/internal/router"
	"github.com/design4music/sni-platform-sub000/internal/saga"
)

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	withAPI := fs.Bool("serve", true, "Also expose the health and status HTTP endpoints")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	index, err := loadTaxonomy(ctx, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		return 1
	}

	ingestSvc := newIngestService(rt)
	matchSvc := match.NewService(rt.pool, index, rt.logger)
	routerSvc := router.NewService(rt.pool, rt.cfg.Track, rt.cfg.TopBilateral, rt.cfg.AliasSubgroups, rt.logger)
	clusterSvc := newClusterService(rt, true)
	chainer := saga.NewChainer(rt.pool, rt.cfg.Track, rt.cfg.SagaMinSharedTags, rt.cfg.SagaScoreFloor, rt.logger)

	d := daemon.New(rt.pool, rt.cfg.BatchMin, rt.cfg.BatchMax, rt.cfg.StageMaxAttempts, rt.cfg.StageBackoffBase, rt.logger)

	d.AddStage(daemon.Stage{
		Name:     "ingest",
		Interval: rt.cfg.IngestInterval,
		Run: func(ctx context.Context, batch int) (int, error) {
			res, err := ingestSvc.IngestDue(ctx, batch)
			return res.Inserted, err
		},
		QueueDepth: countQuery(rt.pool, `SELECT count(*) FROM sni.feed_sources WHERE active`),
	})

	d.AddStage(daemon.Stage{
		Name:     "match",
		Interval: rt.cfg.MatchInterval,
		Run: func(ctx context.Context, batch int) (int, error) {
			res, err := matchSvc.MatchPending(ctx, batch)
			return res.Processed, err
		},
		QueueDepth: countQuery(rt.pool, `SELECT count(*) FROM sni.headlines WHERE status = 'pending'`),
	})

	d.AddStage(daemon.Stage{
		Name:     "cluster",
		Interval: rt.cfg.ClusterInterval,
		Run: func(ctx context.Context, batch int) (int, error) {
			routed, err := routerSvc.RouteBatch(ctx, batch)
			if err != nil {
				return 0, err
			}
			res, _, err := clusterOnce(ctx, rt, clusterSvc, rt.cfg.LLMWorkers*4, batch, true)
			if err != nil {
				return routed.Headlines, err
			}
			if _, err := routerSvc.Reconcile(ctx, batch); err != nil {
				return routed.Headlines + res.Headlines, err
			}
			return routed.Headlines + res.Headlines, nil
		},
		QueueDepth: countQuery(rt.pool, `
SELECT (SELECT count(*) FROM sni.headlines WHERE status = 'assigned')
     + (SELECT count(*) FROM sni.bucket_assignments WHERE NOT clustered)`),
	})

	d.AddStage(daemon.Stage{
		Name:     "enrich",
		Interval: rt.cfg.EnrichInterval,
		Run: func(ctx context.Context, batch int) (int, error) {
			res, err := chainer.ChainMonth(ctx, globaltime.Month())
			return res.Linked, err
		},
	})

	var api *httpapi.Server
	if *withAPI {
		api = httpapi.New(rt.pool, rt.logger)
		go func() {
			if err := api.Start(rt.cfg.ServeHost, rt.cfg.ServePort); err != nil {
				rt.logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	rt.logger.Info().Msg("daemon started")
	err = d.Run(ctx)

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if serr := api.Shutdown(shutdownCtx); serr != nil {
			rt.logger.Warn().Err(serr).Msg("http server shutdown")
		}
	}

	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		return 1
	}
	rt.logger.Info().Msg("daemon stopped")
	return 0
}

// countQuery adapts a single-count SQL statement into a queue depth probe.
func countQuery(pool *db.Pool, query string) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		var n int
		if err := pool.QueryRow(ctx, query).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}
