// Package daemon schedules the pipeline stages on independent intervals.
package daemon

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
)

const maxErrorMessageLength = 4000

// Stage is one independently scheduled unit of pipeline work. Run receives
// the batch size derived from QueueDepth; a nil QueueDepth pins the batch to
// the configured minimum.
type Stage struct {
	Name       string
	Interval   time.Duration
	Run        func(ctx context.Context, batch int) (processed int, err error)
	QueueDepth func(ctx context.Context) (int, error)
}

type Daemon struct {
	pool        *db.Pool
	stages      []Stage
	batchMin    int
	batchMax    int
	maxAttempts int
	backoffBase time.Duration
	logger      zerolog.Logger
}

func New(pool *db.Pool, batchMin, batchMax, maxAttempts int, backoffBase time.Duration, logger zerolog.Logger) *Daemon {
	if batchMin <= 0 {
		batchMin = 50
	}
	if batchMax < batchMin {
		batchMax = batchMin
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Daemon{
		pool:        pool,
		batchMin:    batchMin,
		batchMax:    batchMax,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

func (d *Daemon) AddStage(s Stage) {
	d.stages = append(d.stages, s)
}

// Run drives every stage until ctx is cancelled. Each stage ticks on its own
// interval in its own goroutine, so a stage with no due work never stalls the
// others. Cancellation stops scheduling new runs; the in-flight unit of each
// stage finishes before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if len(d.stages) == 0 {
		return fmt.Errorf("daemon has no stages")
	}

	var wg sync.WaitGroup
	for _, s := range d.stages {
		wg.Add(1)
		go func(s Stage) {
			defer wg.Done()
			d.loop(ctx, s)
		}(s)
	}
	wg.Wait()
	d.logger.Info().Msg("daemon drained")
	return nil
}

func (d *Daemon) loop(ctx context.Context, s Stage) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// First run happens immediately; later runs follow the interval.
	d.runOnce(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx, s)
		}
	}
}

// runOnce executes one unit of stage work, retrying with exponential backoff
// before giving up for the cycle. The unit itself runs on a context that
// survives cancellation so a drain never hard-kills an open transaction.
func (d *Daemon) runOnce(ctx context.Context, s Stage) {
	if ctx.Err() != nil {
		return
	}
	workCtx := context.WithoutCancel(ctx)

	batch := d.batchFor(workCtx, s)
	runID := d.startRun(workCtx, s.Name)

	var (
		processed int
		err       error
	)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		processed, err = s.Run(workCtx, batch)
		if err == nil {
			break
		}
		d.logger.Warn().Err(err).
			Str("stage", s.Name).
			Int("attempt", attempt).
			Msg("stage attempt failed")
		if attempt < d.maxAttempts {
			if sleepErr := sleepCtx(ctx, backoffDelay(d.backoffBase, attempt)); sleepErr != nil {
				break
			}
		}
	}

	d.finishRun(workCtx, runID, processed, err)
	if err != nil {
		d.logger.Error().Err(err).Str("stage", s.Name).Msg("stage skipped for this cycle")
		return
	}
	if processed > 0 {
		d.logger.Info().Str("stage", s.Name).Int("processed", processed).Msg("stage completed")
	}
}

// batchFor sizes a stage's unit of work from its queue depth, clamped to the
// configured bounds. Depth probes failing is not worth failing the run over.
func (d *Daemon) batchFor(ctx context.Context, s Stage) int {
	if s.QueueDepth == nil {
		return d.batchMin
	}
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Str("stage", s.Name).Msg("queue depth probe failed")
		return d.batchMin
	}
	return clampBatch(depth, d.batchMin, d.batchMax)
}

func clampBatch(depth, minBatch, maxBatch int) int {
	if depth < minBatch {
		return minBatch
	}
	if depth > maxBatch {
		return maxBatch
	}
	return depth
}

func (d *Daemon) startRun(ctx context.Context, stage string) int64 {
	if d.pool == nil {
		return 0
	}
	const q = `
INSERT INTO sni.stage_runs (stage, started_at, status)
VALUES ($1, $2, 'running')
RETURNING run_id
`
	var runID int64
	if err := d.pool.QueryRow(ctx, q, stage, globaltime.UTC()).Scan(&runID); err != nil {
		d.logger.Warn().Err(err).Str("stage", stage).Msg("stage run ledger insert failed")
		return 0
	}
	return runID
}

func (d *Daemon) finishRun(ctx context.Context, runID int64, processed int, runErr error) {
	if d.pool == nil || runID == 0 {
		return
	}

	status := "completed"
	var message *string
	if runErr != nil {
		status = "failed"
		msg := strings.TrimSpace(runErr.Error())
		if len(msg) > maxErrorMessageLength {
			msg = msg[:maxErrorMessageLength]
		}
		message = &msg
	}

	const q = `
UPDATE sni.stage_runs
SET finished_at = $2, status = $3, processed = $4, error_message = $5
WHERE run_id = $1
`
	if _, err := d.pool.Exec(ctx, q, runID, globaltime.UTC(), status, processed, message); err != nil {
		d.logger.Warn().Err(err).Int64("run_id", runID).Msg("stage run ledger update failed")
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	delay := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
