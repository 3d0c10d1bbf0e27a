package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
)

type Chainer struct {
	pool       *db.Pool
	track      string
	minShared  int
	scoreFloor float64
	logger     zerolog.Logger
}

type Result struct {
	Examined  int
	Linked    int
	Inherited int
	Minted    int
}

func NewChainer(pool *db.Pool, track string, minShared int, scoreFloor float64, logger zerolog.Logger) *Chainer {
	if minShared <= 0 {
		minShared = 2
	}
	if scoreFloor <= 0 {
		scoreFloor = 0.3
	}
	return &Chainer{
		pool:       pool,
		track:      track,
		minShared:  minShared,
		scoreFloor: scoreFloor,
		logger:     logger,
	}
}

// chainEvent is one event's comparable view during a chain pass.
type chainEvent struct {
	eventID        int64
	sagaID         *int64
	centroid       string
	classification string
	bucketKey      string
	tags           map[string]struct{}
	words          map[string]struct{}
}

// candidateKey groups candidates so an event only ever chains within its own
// centroid, classification and counterpart.
type candidateKey struct {
	centroid       string
	classification string
	bucketKey      string
}

// ChainMonth links month's events to their best-scoring predecessor in the
// previous calendar month. Only events without a saga are examined on the
// later side; assignment is one-time and survives re-runs unchanged.
func (c *Chainer) ChainMonth(ctx context.Context, month string) (Result, error) {
	if c == nil || c.pool == nil {
		return Result{}, fmt.Errorf("saga chainer is not initialized")
	}

	prev, ok := globaltime.PrevMonth(month)
	if !ok {
		return Result{}, fmt.Errorf("invalid month %q", month)
	}

	later, err := c.loadEvents(ctx, month, true)
	if err != nil {
		return Result{}, err
	}
	if len(later) == 0 {
		return Result{}, nil
	}
	earlier, err := c.loadEvents(ctx, prev, false)
	if err != nil {
		return Result{}, err
	}
	if len(earlier) == 0 {
		return Result{Examined: len(later)}, nil
	}

	candidates := make(map[candidateKey][]*chainEvent, len(earlier))
	for _, e := range earlier {
		key := candidateKey{centroid: e.centroid, classification: e.classification, bucketKey: e.bucketKey}
		candidates[key] = append(candidates[key], e)
	}

	var result Result
	for _, ev := range later {
		result.Examined++
		key := candidateKey{centroid: ev.centroid, classification: ev.classification, bucketKey: ev.bucketKey}
		best := c.bestCandidate(ev, candidates[key])
		if best == nil {
			continue
		}

		inherited, err := c.link(ctx, ev, best)
		if err != nil {
			c.logger.Error().Err(err).
				Int64("event_id", ev.eventID).
				Int64("predecessor_id", best.eventID).
				Msg("saga link failed")
			continue
		}
		result.Linked++
		if inherited {
			result.Inherited++
		} else {
			result.Minted++
		}
	}
	return result, nil
}

func (c *Chainer) bestCandidate(ev *chainEvent, candidates []*chainEvent) *chainEvent {
	var (
		best      *chainEvent
		bestScore float64
	)
	for _, cand := range candidates {
		shared, score := Score(ev.tags, cand.tags, ev.words, cand.words)
		if shared < c.minShared || score < c.scoreFloor {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && cand.eventID < best.eventID) {
			best = cand
			bestScore = score
		}
	}
	return best
}

// link gives ev its predecessor's saga, minting one when the predecessor has
// none yet. Both writes are guarded by saga_id IS NULL so a saga id, once
// set, is never overwritten by this or any later pass.
func (c *Chainer) link(ctx context.Context, ev, predecessor *chainEvent) (inherited bool, err error) {
	tx, err := c.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin saga tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	sagaID, inherited, err := resolveSaga(predecessor,
		func() (int64, error) {
			const mintQ = `
INSERT INTO sni.sagas (label, created_at)
VALUES ($1, $2)
RETURNING saga_id
`
			var minted int64
			if err := tx.QueryRow(ctx, mintQ, predecessor.centroid+" "+predecessor.bucketKey, globaltime.UTC()).Scan(&minted); err != nil {
				return 0, fmt.Errorf("mint saga: %w", err)
			}
			return minted, nil
		},
		func(sagaID int64) (bool, error) {
			const claimQ = `
UPDATE sni.events
SET saga_id = $2, updated_at = $3
WHERE event_id = $1 AND saga_id IS NULL
`
			tag, err := tx.Exec(ctx, claimQ, predecessor.eventID, sagaID, globaltime.UTC())
			if err != nil {
				return false, fmt.Errorf("assign saga to predecessor %d: %w", predecessor.eventID, err)
			}
			return tag.RowsAffected() > 0, nil
		},
		func() (int64, error) {
			const readQ = `
SELECT saga_id
FROM sni.events
WHERE event_id = $1 AND saga_id IS NOT NULL
`
			var existing int64
			if err := tx.QueryRow(ctx, readQ, predecessor.eventID).Scan(&existing); err != nil {
				return 0, fmt.Errorf("read predecessor saga: %w", err)
			}
			return existing, nil
		},
	)
	if err != nil {
		return false, err
	}

	const linkQ = `
UPDATE sni.events
SET saga_id = $2, updated_at = $3
WHERE event_id = $1 AND saga_id IS NULL
`
	if _, err := tx.Exec(ctx, linkQ, ev.eventID, sagaID, globaltime.UTC()); err != nil {
		return false, fmt.Errorf("assign saga to event %d: %w", ev.eventID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit saga tx: %w", err)
	}
	return inherited, nil
}

// resolveSaga decides which saga id an event joins. An existing predecessor
// saga always wins; otherwise a fresh saga is minted and claimed for the
// predecessor, and losing that claim to a concurrent pass means inheriting
// whatever id the winner wrote. Saga assignment is therefore one-time: no
// path through here overwrites a saga id that is already set.
func resolveSaga(
	predecessor *chainEvent,
	mint func() (int64, error),
	claim func(sagaID int64) (bool, error),
	readExisting func() (int64, error),
) (sagaID int64, inherited bool, err error) {
	if predecessor.sagaID != nil {
		return *predecessor.sagaID, true, nil
	}

	minted, err := mint()
	if err != nil {
		return 0, false, err
	}
	won, err := claim(minted)
	if err != nil {
		return 0, false, err
	}
	if !won {
		// Another pass chained the predecessor first; inherit its saga
		// instead of forking the story into two.
		existing, err := readExisting()
		if err != nil {
			return 0, false, err
		}
		return existing, true, nil
	}
	predecessor.sagaID = &minted
	return minted, false, nil
}

func (c *Chainer) loadEvents(ctx context.Context, month string, unsagaedOnly bool) ([]*chainEvent, error) {
	q := `
SELECT e.event_id, e.saga_id, b.centroid_id, e.classification, e.bucket_key, e.title, e.tags
FROM sni.events e
JOIN sni.period_buckets b ON b.bucket_id = e.bucket_id
WHERE b.track = $1 AND b.month = $2 AND NOT e.is_catchall
`
	if unsagaedOnly {
		q += "  AND e.saga_id IS NULL\n"
	}
	q += "ORDER BY e.event_id"

	rows, err := c.pool.Query(ctx, q, c.track, month)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", month, err)
	}
	defer rows.Close()

	var out []*chainEvent
	for rows.Next() {
		var (
			e       chainEvent
			title   string
			rawTags []byte
		)
		if err := rows.Scan(&e.eventID, &e.sagaID, &e.centroid, &e.classification, &e.bucketKey, &title, &rawTags); err != nil {
			return nil, fmt.Errorf("scan chain event: %w", err)
		}
		var tags []string
		if len(rawTags) > 0 {
			if err := json.Unmarshal(rawTags, &tags); err != nil {
				return nil, fmt.Errorf("decode tags for event %d: %w", e.eventID, err)
			}
		}
		e.tags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			e.tags[t] = struct{}{}
		}
		e.words = TitleWords(title)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain events: %w", err)
	}
	return out, nil
}
