package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/cluster"
	"github.com/design4music/sni-platform-sub000/internal/llm"
)

func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 15*time.Minute, "Command timeout")
	buckets := fs.Int("buckets", 20, "Maximum buckets to process this run")
	batch := fs.Int("batch", 200, "Headlines per bucket batch")
	consolidate := fs.Bool("consolidate", true, "Run LLM consolidation after incremental clustering")

	if ok, exit := parseFlags(fs, args); !ok {
		return exit
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := bootstrap(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	svc := newClusterService(rt, *consolidate)
	result, consolidated, err := clusterOnce(ctx, rt, svc, *buckets, *batch, *consolidate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"buckets=%d headlines=%d attached=%d catchalled=%d\n",
		result.Buckets,
		result.Headlines,
		result.Attached,
		result.Catchalled,
	)
	if *consolidate {
		fmt.Printf(
			"slices=%d merges=%d promoted=%d singletons=%d rejected=%d\n",
			consolidated.Slices,
			consolidated.Merges,
			consolidated.Promoted,
			consolidated.Singletons,
			consolidated.Rejected,
		)
	}
	return 0
}

func newClusterService(rt *runtime, withRefiner bool) *cluster.Service {
	var refiner cluster.Refiner
	if withRefiner && rt.cfg.LLMAPIKey != "" {
		refiner = llm.NewClient(llm.Options{
			Endpoint:    rt.cfg.LLMEndpoint,
			Model:       rt.cfg.LLMModel,
			APIKey:      rt.cfg.LLMAPIKey,
			Timeout:     rt.cfg.LLMTimeout,
			MaxAttempts: rt.cfg.StageMaxAttempts,
			BackoffBase: rt.cfg.StageBackoffBase,
			Logger:      rt.logger,
		})
	}
	return cluster.NewService(
		rt.pool,
		rt.cfg.MinSignalOverlap,
		rt.cfg.EmergenceSize,
		rt.cfg.OverMergeTopicCap,
		refiner,
		rt.logger,
	)
}

// clusterOnce runs one clustering round: incremental growth for every due
// bucket, then consolidation. Buckets run in parallel up to the LLM worker
// cap; work inside one bucket stays sequential.
func clusterOnce(ctx context.Context, rt *runtime, svc *cluster.Service, bucketLimit, batch int, consolidate bool) (cluster.Result, cluster.ConsolidateResult, error) {
	due, err := svc.DueBuckets(ctx, bucketLimit)
	if err != nil {
		return cluster.Result{}, cluster.ConsolidateResult{}, err
	}

	var (
		mu           sync.Mutex
		total        cluster.Result
		consolidated cluster.ConsolidateResult
		firstErr     error
		wg           sync.WaitGroup
	)
	sem := make(chan struct{}, rt.cfg.LLMWorkers)

	for _, bucketID := range due {
		wg.Add(1)
		go func(bucketID int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := svc.ClusterBucket(ctx, bucketID, batch)
			if err == nil && consolidate {
				var cres cluster.ConsolidateResult
				cres, err = svc.ConsolidateBucket(ctx, bucketID)
				mu.Lock()
				consolidated.Slices += cres.Slices
				consolidated.Merges += cres.Merges
				consolidated.Promoted += cres.Promoted
				consolidated.Singletons += cres.Singletons
				consolidated.Rejected += cres.Rejected
				mu.Unlock()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One poisoned bucket is logged and skipped, not fatal.
				rt.logger.Error().Err(err).Int64("bucket_id", bucketID).Msg("bucket clustering failed")
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			total.Buckets += result.Buckets
			total.Headlines += result.Headlines
			total.Attached += result.Attached
			total.Catchalled += result.Catchalled
		}(bucketID)
	}
	wg.Wait()

	if total.Buckets == 0 && firstErr != nil {
		return total, consolidated, firstErr
	}
	return total, consolidated, nil
}
