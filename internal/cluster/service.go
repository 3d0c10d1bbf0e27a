package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/llm"
)

const maxEventTags = 64

type Service struct {
	pool          *db.Pool
	minOverlap    int
	emergenceSize int
	overMergeCap  int
	refiner       Refiner
	logger        zerolog.Logger
}

// Refiner proposes topic merges for a bucket. Implemented by the LLM client;
// nil disables consolidation.
type Refiner interface {
	Refine(ctx context.Context, req llm.Request) (llm.Proposal, error)
}

type Result struct {
	Buckets    int
	Headlines  int
	Attached   int
	Catchalled int
}

func NewService(pool *db.Pool, minOverlap, emergenceSize, overMergeCap int, refiner Refiner, logger zerolog.Logger) *Service {
	if minOverlap <= 0 {
		minOverlap = 2
	}
	if emergenceSize <= 0 {
		emergenceSize = 10
	}
	if overMergeCap <= 0 {
		overMergeCap = 10
	}
	return &Service{
		pool:          pool,
		minOverlap:    minOverlap,
		emergenceSize: emergenceSize,
		overMergeCap:  overMergeCap,
		refiner:       refiner,
		logger:        logger,
	}
}

// DueBuckets lists buckets that have unclustered routed headlines waiting.
func (s *Service) DueBuckets(ctx context.Context, limit int) ([]int64, error) {
	const q = `
SELECT DISTINCT a.bucket_id
FROM sni.bucket_assignments a
JOIN sni.period_buckets b ON b.bucket_id = a.bucket_id
WHERE NOT a.clustered AND NOT b.frozen
ORDER BY a.bucket_id
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list due buckets: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bucket id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket ids: %w", err)
	}
	return out, nil
}

// RecentBuckets lists unfrozen buckets by recency of change, for passes that
// sweep existing events rather than new arrivals.
func (s *Service) RecentBuckets(ctx context.Context, limit int) ([]int64, error) {
	const q = `
SELECT bucket_id
FROM sni.period_buckets
WHERE NOT frozen
ORDER BY updated_at DESC
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent buckets: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bucket id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket ids: %w", err)
	}
	return out, nil
}

// ClusterBucket runs one incremental batch for a single bucket inside one
// transaction. Callers must not run two batches for the same bucket
// concurrently; FOR UPDATE SKIP LOCKED on the assignments enforces that even
// if they try.
func (s *Service) ClusterBucket(ctx context.Context, bucketID int64, batch int) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, fmt.Errorf("cluster service is not initialized")
	}
	if batch <= 0 {
		batch = 100
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("begin cluster tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	pending, err := claimUnclustered(ctx, tx, bucketID, batch)
	if err != nil {
		return Result{}, err
	}
	if len(pending) == 0 {
		return Result{}, tx.Commit(ctx)
	}

	events, err := loadEvents(ctx, tx, bucketID)
	if err != nil {
		return Result{}, err
	}

	result := Result{Buckets: 1, Headlines: len(pending)}
	for _, p := range pending {
		signals := Signals(p.aliases, p.normalizedTitle, p.source)

		best := bestEvent(events, p.classification, p.bucketKey, signals, s.minOverlap)
		if best == nil {
			best, err = getOrCreateCatchall(ctx, tx, events, bucketID, p.classification, p.bucketKey, p.publishedAt)
			if err != nil {
				return Result{}, err
			}
			result.Catchalled++
		} else {
			result.Attached++
		}

		if err := s.attach(ctx, tx, best, p, signals); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit cluster tx: %w", err)
	}
	return result, nil
}

type pendingHeadline struct {
	assignmentID    int64
	headlineID      int64
	classification  string
	bucketKey       string
	subAlias        string
	title           string
	normalizedTitle string
	source          string
	aliases         []string
	publishedAt     time.Time
}

// event is the in-memory working copy of one sni.events row during a batch.
type event struct {
	id             int64
	classification string
	bucketKey      string
	title          string
	isCatchall     bool
	size           int
	tags           map[string]struct{}
	tagOrder       []string
	firstSeen      time.Time
	lastSeen       time.Time
}

func claimUnclustered(ctx context.Context, tx db.Tx, bucketID int64, batch int) ([]pendingHeadline, error) {
	const q = `
SELECT
	a.assignment_id,
	a.headline_id,
	a.classification,
	a.bucket_key,
	a.sub_alias,
	h.title,
	h.normalized_title,
	h.source,
	h.matched_aliases,
	COALESCE(h.published_at, h.created_at)
FROM sni.bucket_assignments a
JOIN sni.headlines h ON h.headline_id = a.headline_id
WHERE a.bucket_id = $1 AND NOT a.clustered
ORDER BY a.assignment_id
FOR UPDATE OF a SKIP LOCKED
LIMIT $2
`
	rows, err := tx.Query(ctx, q, bucketID, batch)
	if err != nil {
		return nil, fmt.Errorf("claim unclustered assignments: %w", err)
	}
	defer rows.Close()

	var out []pendingHeadline
	for rows.Next() {
		var (
			p          pendingHeadline
			rawAliases []byte
		)
		err := rows.Scan(
			&p.assignmentID,
			&p.headlineID,
			&p.classification,
			&p.bucketKey,
			&p.subAlias,
			&p.title,
			&p.normalizedTitle,
			&p.source,
			&rawAliases,
			&p.publishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan unclustered assignment: %w", err)
		}
		if len(rawAliases) > 0 {
			if err := json.Unmarshal(rawAliases, &p.aliases); err != nil {
				return nil, fmt.Errorf("decode aliases for headline %d: %w", p.headlineID, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unclustered assignments: %w", err)
	}
	return out, nil
}

func loadEvents(ctx context.Context, tx db.Tx, bucketID int64) ([]*event, error) {
	const q = `
SELECT event_id, classification, bucket_key, title, is_catchall, size, tags, first_seen_at, last_seen_at
FROM sni.events
WHERE bucket_id = $1
ORDER BY event_id
FOR UPDATE
`
	rows, err := tx.Query(ctx, q, bucketID)
	if err != nil {
		return nil, fmt.Errorf("load bucket events: %w", err)
	}
	defer rows.Close()

	var out []*event
	for rows.Next() {
		var (
			e       event
			rawTags []byte
		)
		err := rows.Scan(&e.id, &e.classification, &e.bucketKey, &e.title, &e.isCatchall, &e.size, &rawTags, &e.firstSeen, &e.lastSeen)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var tags []string
		if len(rawTags) > 0 {
			if err := json.Unmarshal(rawTags, &tags); err != nil {
				return nil, fmt.Errorf("decode tags for event %d: %w", e.id, err)
			}
		}
		e.tags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			if _, dup := e.tags[t]; dup {
				continue
			}
			e.tags[t] = struct{}{}
			e.tagOrder = append(e.tagOrder, t)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// bestEvent scores signals against every non-catchall event in the same
// (classification, bucket key) slice and returns the highest overlap at or
// above the threshold. Ties go to the older (smaller id) event so growth is
// stable across re-runs.
func bestEvent(events []*event, classification, bucketKey string, signals []string, minOverlap int) *event {
	var (
		best      *event
		bestScore int
	)
	for _, e := range events {
		if e.isCatchall || e.classification != classification || e.bucketKey != bucketKey {
			continue
		}
		score := Overlap(signals, e.tags)
		if score < minOverlap {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && e.id < best.id) {
			best = e
			bestScore = score
		}
	}
	return best
}

func getOrCreateCatchall(ctx context.Context, tx db.Tx, events []*event, bucketID int64, classification, bucketKey string, seenAt time.Time) (*event, error) {
	for _, e := range events {
		if e.isCatchall && e.classification == classification && e.bucketKey == bucketKey {
			return e, nil
		}
	}

	// The partial unique index on (bucket_id, classification, bucket_key)
	// WHERE is_catchall makes this race-safe across transactions.
	const q = `
INSERT INTO sni.events (bucket_id, classification, bucket_key, sub_alias, title, tags, is_catchall, size, emergent, first_seen_at, last_seen_at, created_at, updated_at)
VALUES ($1, $2, $3, '', 'catchall', '[]'::jsonb, true, 0, false, $4, $4, $5, $5)
ON CONFLICT (bucket_id, classification, bucket_key) WHERE is_catchall
DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING event_id
`
	now := globaltime.UTC()
	var id int64
	if err := tx.QueryRow(ctx, q, bucketID, classification, bucketKey, seenAt.UTC(), now).Scan(&id); err != nil {
		return nil, fmt.Errorf("get or create catchall: %w", err)
	}
	e := &event{
		id:             id,
		classification: classification,
		bucketKey:      bucketKey,
		title:          "catchall",
		isCatchall:     true,
		tags:           map[string]struct{}{},
		firstSeen:      seenAt.UTC(),
		lastSeen:       seenAt.UTC(),
	}
	return e, nil
}

// attach links the headline to the event and folds its signals into the
// event's tag set, growing first/last seen and size. Emergence flips on once
// size crosses the threshold and never flips back.
func (s *Service) attach(ctx context.Context, tx db.Tx, e *event, p pendingHeadline, signals []string) error {
	const linkQ = `
INSERT INTO sni.event_headline_links (event_id, headline_id, linked_at)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`
	now := globaltime.UTC()
	tag, err := tx.Exec(ctx, linkQ, e.id, p.headlineID, now)
	if err != nil {
		return fmt.Errorf("link headline %d to event %d: %w", p.headlineID, e.id, err)
	}

	if tag.RowsAffected() == 1 {
		e.size++
		if !e.isCatchall {
			for _, sig := range signals {
				if _, ok := e.tags[sig]; ok {
					continue
				}
				if len(e.tagOrder) >= maxEventTags {
					break
				}
				e.tags[sig] = struct{}{}
				e.tagOrder = append(e.tagOrder, sig)
			}
		}
		at := p.publishedAt.UTC()
		if e.firstSeen.IsZero() || at.Before(e.firstSeen) {
			e.firstSeen = at
		}
		if at.After(e.lastSeen) {
			e.lastSeen = at
		}
	}

	rawTags, err := json.Marshal(e.tagOrder)
	if err != nil {
		return fmt.Errorf("encode tags for event %d: %w", e.id, err)
	}
	if e.tagOrder == nil {
		rawTags = []byte("[]")
	}

	emergent := !e.isCatchall && e.size >= s.emergenceSize

	const updateQ = `
UPDATE sni.events
SET
	size = $2,
	tags = $3,
	emergent = emergent OR $4,
	first_seen_at = $5,
	last_seen_at = $6,
	updated_at = $7
WHERE event_id = $1
`
	if _, err := tx.Exec(ctx, updateQ, e.id, e.size, rawTags, emergent, e.firstSeen, e.lastSeen, now); err != nil {
		return fmt.Errorf("update event %d: %w", e.id, err)
	}

	const markQ = `
UPDATE sni.bucket_assignments
SET clustered = true
WHERE assignment_id = $1
`
	if _, err := tx.Exec(ctx, markQ, p.assignmentID); err != nil {
		return fmt.Errorf("mark assignment %d clustered: %w", p.assignmentID, err)
	}
	return nil
}
