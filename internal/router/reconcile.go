package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
)

type ReconcileResult struct {
	Inspected int
	Migrated  int
}

// Reconcile repairs routing decisions made before all of a story's headlines
// had arrived: an other-international or domestic event whose members show a
// clear dominant foreign geo centroid is migrated into the bilateral bucket
// keyed by that counterpart. Catchalls and frozen buckets are left alone.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	if s == nil || s.pool == nil {
		return ReconcileResult{}, fmt.Errorf("router service is not initialized")
	}
	if limit <= 0 {
		return ReconcileResult{}, nil
	}

	geo, err := s.loadGeoCentroids(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}

	candidates, err := s.listReconcileCandidates(ctx, limit)
	if err != nil {
		return ReconcileResult{}, err
	}

	var result ReconcileResult
	for _, cand := range candidates {
		result.Inspected++
		migrated, err := s.reconcileOne(ctx, cand, geo)
		if err != nil {
			// One bad event does not halt the pass.
			s.logger.Error().Err(err).Int64("event_id", cand.eventID).Msg("reconcile event failed")
			continue
		}
		if migrated {
			result.Migrated++
		}
	}
	return result, nil
}

type reconcileCandidate struct {
	eventID  int64
	bucketID int64
	home     string
}

func (s *Service) listReconcileCandidates(ctx context.Context, limit int) ([]reconcileCandidate, error) {
	const q = `
SELECT e.event_id, e.bucket_id, b.centroid_id
FROM sni.events e
JOIN sni.period_buckets b ON b.bucket_id = e.bucket_id
WHERE e.classification IN ('other_international', 'domestic')
  AND NOT e.is_catchall
  AND NOT b.frozen
ORDER BY e.event_id
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}
	defer rows.Close()

	var out []reconcileCandidate
	for rows.Next() {
		var c reconcileCandidate
		if err := rows.Scan(&c.eventID, &c.bucketID, &c.home); err != nil {
			return nil, fmt.Errorf("scan reconcile candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconcile candidates: %w", err)
	}
	return out, nil
}

func (s *Service) reconcileOne(ctx context.Context, cand reconcileCandidate, geo map[string]struct{}) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const lockQ = `
SELECT classification
FROM sni.events
WHERE event_id = $1
FOR UPDATE SKIP LOCKED
`
	var classification string
	err = tx.QueryRow(ctx, lockQ, cand.eventID).Scan(&classification)
	if db.IsNoRows(err) {
		return false, tx.Commit(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("lock event %d: %w", cand.eventID, err)
	}
	if classification == db.ClassificationBilateral {
		return false, tx.Commit(ctx)
	}

	const membersQ = `
SELECT h.matched_centroids
FROM sni.event_headline_links l
JOIN sni.headlines h ON h.headline_id = l.headline_id
WHERE l.event_id = $1
`
	rows, err := tx.Query(ctx, membersQ, cand.eventID)
	if err != nil {
		return false, fmt.Errorf("load members of event %d: %w", cand.eventID, err)
	}

	tally := make(map[string]int)
	members := 0
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan member centroids: %w", err)
		}
		members++
		var centroids []string
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &centroids); err != nil {
				rows.Close()
				return false, fmt.Errorf("decode member centroids: %w", err)
			}
		}
		seen := make(map[string]struct{}, len(centroids))
		for _, c := range centroids {
			if c == cand.home {
				continue
			}
			if _, ok := geo[c]; !ok {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			tally[c]++
		}
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return false, fmt.Errorf("iterate members of event %d: %w", cand.eventID, iterErr)
	}

	counterpart, ok := DominantForeign(tally, members)
	if !ok {
		return false, tx.Commit(ctx)
	}

	now := globaltime.UTC()
	const migrateEventQ = `
UPDATE sni.events
SET classification = 'bilateral', bucket_key = $2, updated_at = $3
WHERE event_id = $1
`
	if _, err := tx.Exec(ctx, migrateEventQ, cand.eventID, counterpart, now); err != nil {
		return false, fmt.Errorf("migrate event %d: %w", cand.eventID, err)
	}

	const migrateAssignmentsQ = `
UPDATE sni.bucket_assignments a
SET classification = 'bilateral', bucket_key = $3
FROM sni.event_headline_links l
WHERE l.event_id = $1
  AND a.headline_id = l.headline_id
  AND a.bucket_id = $2
`
	if _, err := tx.Exec(ctx, migrateAssignmentsQ, cand.eventID, cand.bucketID, counterpart); err != nil {
		return false, fmt.Errorf("migrate assignments for event %d: %w", cand.eventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reconcile tx: %w", err)
	}
	s.logger.Info().
		Int64("event_id", cand.eventID).
		Str("counterpart", counterpart).
		Msg("event migrated to bilateral bucket")
	return true, nil
}
