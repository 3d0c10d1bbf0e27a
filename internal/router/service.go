package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
)

type Service struct {
	pool     *db.Pool
	track    string
	topN     int
	aliasCap int
	logger   zerolog.Logger
}

type Result struct {
	Headlines          int
	Assignments        int
	Domestic           int
	Bilateral          int
	OtherInternational int
	BucketsTouched     int
}

func NewService(pool *db.Pool, track string, topN, aliasCap int, logger zerolog.Logger) *Service {
	if topN <= 0 {
		topN = 15
	}
	if aliasCap <= 0 {
		aliasCap = 5
	}
	return &Service{
		pool:     pool,
		track:    track,
		topN:     topN,
		aliasCap: aliasCap,
		logger:   logger,
	}
}

type claimed struct {
	headlineID  int64
	centroids   []string
	aliases     []string
	publishedAt time.Time
}

// routeKey addresses one period bucket: home centroid plus calendar month.
type routeKey struct {
	home  string
	month string
}

type assignment struct {
	headlineID     int64
	key            routeKey
	classification string
	bucketKey      string
	subAlias       string
}

// RouteBatch claims up to limit assigned headlines and routes every
// (headline, matched centroid) pair into a period bucket. The whole batch
// runs inside one transaction because bilateral membership is decided by a
// tally over the batch: count first, then assign.
func (s *Service) RouteBatch(ctx context.Context, limit int) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, fmt.Errorf("router service is not initialized")
	}
	if limit <= 0 {
		return Result{}, nil
	}

	geo, err := s.loadGeoCentroids(ctx)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("begin route tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch, err := claimAssigned(ctx, tx, limit)
	if err != nil {
		return Result{}, err
	}
	if len(batch) == 0 {
		return Result{}, tx.Commit(ctx)
	}

	assignments, result := s.routeAll(batch, geo)

	bucketIDs, err := s.upsertBuckets(ctx, tx, assignments)
	if err != nil {
		return Result{}, err
	}
	result.BucketsTouched = len(bucketIDs)

	if err := insertAssignments(ctx, tx, assignments, bucketIDs); err != nil {
		return Result{}, err
	}
	if err := markTracked(ctx, tx, batch); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit route tx: %w", err)
	}

	result.Headlines = len(batch)
	result.Assignments = len(assignments)
	return result, nil
}

// routeAll is the two-pass core: tally counterparts per bucket over the whole
// batch, cut the top N into bilateral membership, then classify each pair and
// resolve its alias sub-group.
func (s *Service) routeAll(batch []claimed, geo map[string]struct{}) ([]assignment, Result) {
	counterparts := make(map[routeKey]map[string]int)
	for _, h := range batch {
		for _, home := range h.centroids {
			key := routeKey{home: home, month: globaltime.MonthOf(h.publishedAt)}
			if c := FirstOtherGeo(h.centroids, home, geo); c != "" {
				if counterparts[key] == nil {
					counterparts[key] = make(map[string]int)
				}
				counterparts[key][c]++
			}
		}
	}

	bilateral := make(map[routeKey]map[string]struct{}, len(counterparts))
	for key, tally := range counterparts {
		bilateral[key] = TopCounterparts(tally, s.topN)
	}

	var (
		result      Result
		assignments []assignment
	)
	type subKey struct {
		key            routeKey
		classification string
		bucketKey      string
	}
	aliasTallies := make(map[subKey]map[string]int)

	for _, h := range batch {
		for _, home := range h.centroids {
			key := routeKey{home: home, month: globaltime.MonthOf(h.publishedAt)}
			classification, bucketKey := Classify(h.centroids, home, geo, bilateral[key])
			switch classification {
			case db.ClassificationDomestic:
				result.Domestic++
			case db.ClassificationBilateral:
				result.Bilateral++
			case db.ClassificationOtherIntl:
				result.OtherInternational++
			}
			assignments = append(assignments, assignment{
				headlineID:     h.headlineID,
				key:            key,
				classification: classification,
				bucketKey:      bucketKey,
			})

			sk := subKey{key: key, classification: classification, bucketKey: bucketKey}
			if aliasTallies[sk] == nil {
				aliasTallies[sk] = make(map[string]int)
			}
			for _, a := range h.aliases {
				aliasTallies[sk][a]++
			}
		}
	}

	topAliases := make(map[subKey][]string, len(aliasTallies))
	for sk, tally := range aliasTallies {
		topAliases[sk] = TopAliases(tally, s.aliasCap)
	}
	aliasByHeadline := make(map[int64][]string, len(batch))
	for _, h := range batch {
		aliasByHeadline[h.headlineID] = h.aliases
	}
	for i := range assignments {
		a := &assignments[i]
		sk := subKey{key: a.key, classification: a.classification, bucketKey: a.bucketKey}
		a.subAlias = PickSubAlias(aliasByHeadline[a.headlineID], topAliases[sk])
	}

	return assignments, result
}

func (s *Service) loadGeoCentroids(ctx context.Context) (map[string]struct{}, error) {
	const q = `
SELECT centroid_id
FROM sni.centroids
WHERE class = 'geo'
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load geo centroids: %w", err)
	}
	defer rows.Close()

	geo := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan centroid: %w", err)
		}
		geo[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate centroids: %w", err)
	}
	return geo, nil
}

func claimAssigned(ctx context.Context, tx db.Tx, limit int) ([]claimed, error) {
	const q = `
SELECT headline_id, matched_centroids, matched_aliases, COALESCE(published_at, created_at)
FROM sni.headlines
WHERE status = 'assigned'
ORDER BY headline_id
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim assigned headlines: %w", err)
	}
	defer rows.Close()

	var batch []claimed
	for rows.Next() {
		var (
			h          claimed
			rawCen     []byte
			rawAliases []byte
		)
		if err := rows.Scan(&h.headlineID, &rawCen, &rawAliases, &h.publishedAt); err != nil {
			return nil, fmt.Errorf("scan assigned headline: %w", err)
		}
		if len(rawCen) > 0 {
			if err := json.Unmarshal(rawCen, &h.centroids); err != nil {
				return nil, fmt.Errorf("decode centroids for headline %d: %w", h.headlineID, err)
			}
		}
		if len(rawAliases) > 0 {
			if err := json.Unmarshal(rawAliases, &h.aliases); err != nil {
				return nil, fmt.Errorf("decode aliases for headline %d: %w", h.headlineID, err)
			}
		}
		batch = append(batch, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assigned headlines: %w", err)
	}
	return batch, nil
}

func (s *Service) upsertBuckets(ctx context.Context, tx db.Tx, assignments []assignment) (map[routeKey]int64, error) {
	// One increment per routed assignment, applied as a single delta per
	// bucket so the upsert stays row-scoped.
	deltas := make(map[routeKey]int, len(assignments))
	for _, a := range assignments {
		deltas[a.key]++
	}

	const q = `
INSERT INTO sni.period_buckets (centroid_id, track, month, title_count, frozen, created_at, updated_at)
VALUES ($1, $2, $3, $4, false, $5, $5)
ON CONFLICT (centroid_id, track, month)
DO UPDATE SET
	title_count = period_buckets.title_count + EXCLUDED.title_count,
	updated_at = EXCLUDED.updated_at
RETURNING bucket_id
`
	now := globaltime.UTC()
	ids := make(map[routeKey]int64, len(deltas))
	for key, delta := range deltas {
		var bucketID int64
		err := tx.QueryRow(ctx, q, key.home, s.track, key.month, delta, now).Scan(&bucketID)
		if err != nil {
			return nil, fmt.Errorf("upsert bucket %s/%s/%s: %w", key.home, s.track, key.month, err)
		}
		ids[key] = bucketID
	}
	return ids, nil
}

func insertAssignments(ctx context.Context, tx db.Tx, assignments []assignment, bucketIDs map[routeKey]int64) error {
	const q = `
INSERT INTO sni.bucket_assignments (headline_id, bucket_id, classification, bucket_key, sub_alias, clustered, created_at)
VALUES ($1, $2, $3, $4, $5, false, $6)
ON CONFLICT DO NOTHING
`
	now := globaltime.UTC()
	for _, a := range assignments {
		bucketID, ok := bucketIDs[a.key]
		if !ok {
			return fmt.Errorf("bucket id missing for %s/%s", a.key.home, a.key.month)
		}
		if _, err := tx.Exec(ctx, q, a.headlineID, bucketID, a.classification, a.bucketKey, a.subAlias, now); err != nil {
			return fmt.Errorf("insert assignment headline %d bucket %d: %w", a.headlineID, bucketID, err)
		}
	}
	return nil
}

func markTracked(ctx context.Context, tx db.Tx, batch []claimed) error {
	const q = `
UPDATE sni.headlines
SET status = 'tracked', updated_at = $2
WHERE headline_id = $1
`
	now := globaltime.UTC()
	for _, h := range batch {
		if _, err := tx.Exec(ctx, q, h.headlineID, now); err != nil {
			return fmt.Errorf("mark headline %d tracked: %w", h.headlineID, err)
		}
	}
	return nil
}
