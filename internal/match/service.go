// Package match applies the compiled taxonomy to pending headlines.
package match

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/taxonomy"
)

type Service struct {
	pool   *db.Pool
	index  *taxonomy.Index
	logger zerolog.Logger
}

type Result struct {
	Processed  int
	Assigned   int
	OutOfScope int
	Blocked    int
}

func NewService(pool *db.Pool, index *taxonomy.Index, logger zerolog.Logger) *Service {
	return &Service{
		pool:   pool,
		index:  index,
		logger: logger,
	}
}

// MatchPending claims pending headlines one at a time, classifies each
// against the taxonomy and records the outcome. Each headline gets its own
// transaction so crash recovery never loses more than one row and concurrent
// matchers never double-claim.
func (s *Service) MatchPending(ctx context.Context, limit int) (Result, error) {
	if s == nil || s.pool == nil || s.index == nil {
		return Result{}, fmt.Errorf("match service is not initialized")
	}

	var result Result
	for limit <= 0 || result.Processed < limit {
		matched, outcome, err := s.matchOne(ctx)
		if err != nil {
			return result, err
		}
		if !matched {
			break
		}
		result.Processed++
		switch outcome {
		case db.HeadlineStatusAssigned:
			result.Assigned++
		case db.HeadlineStatusOutOfScope:
			result.OutOfScope++
		case db.HeadlineStatusBlocked:
			result.Blocked++
		}
	}
	return result, nil
}

func (s *Service) matchOne(ctx context.Context) (bool, string, error) {
	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, "", fmt.Errorf("begin match tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const claimQ = `
SELECT headline_id, normalized_title, matched_centroids, matched_aliases
FROM sni.headlines
WHERE status = 'pending'
ORDER BY headline_id
FOR UPDATE SKIP LOCKED
LIMIT 1
`
	var (
		headlineID   int64
		title        string
		priorCenRaw  []byte
		priorAliaRaw []byte
	)
	err = tx.QueryRow(ctx, claimQ).Scan(&headlineID, &title, &priorCenRaw, &priorAliaRaw)
	if db.IsNoRows(err) {
		return false, "", tx.Commit(ctx)
	}
	if err != nil {
		return false, "", fmt.Errorf("claim pending headline: %w", err)
	}

	res := s.index.Match(title)

	status := db.HeadlineStatusOutOfScope
	switch {
	case res.Vetoed:
		status = db.HeadlineStatusBlocked
	case len(res.Centroids) > 0:
		status = db.HeadlineStatusAssigned
	}

	// A headline matched in an earlier run keeps what it already earned;
	// new matches accumulate on top rather than replacing them.
	centroids, err := unionJSONStrings(priorCenRaw, res.Centroids)
	if err != nil {
		return false, "", fmt.Errorf("merge centroids for headline %d: %w", headlineID, err)
	}
	aliases, err := unionJSONStrings(priorAliaRaw, res.Aliases)
	if err != nil {
		return false, "", fmt.Errorf("merge aliases for headline %d: %w", headlineID, err)
	}

	const updateQ = `
UPDATE sni.headlines
SET
	status = $2,
	matched_centroids = $3,
	matched_aliases = $4,
	pass_reached = GREATEST(pass_reached, $5),
	updated_at = $6
WHERE headline_id = $1
`
	_, err = tx.Exec(ctx, updateQ, headlineID, status, centroids, aliases, res.PassReached, globaltime.UTC())
	if err != nil {
		return false, "", fmt.Errorf("update headline %d: %w", headlineID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("commit match tx: %w", err)
	}
	return true, status, nil
}

// unionJSONStrings merges a stored jsonb string array with fresh values,
// preserving stored order first and deduplicating.
func unionJSONStrings(stored []byte, fresh []string) (json.RawMessage, error) {
	var prior []string
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &prior); err != nil {
			return nil, fmt.Errorf("decode stored array: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(prior)+len(fresh))
	merged := make([]string, 0, len(prior)+len(fresh))
	for _, lists := range [][]string{prior, fresh} {
		for _, v := range lists {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			merged = append(merged, v)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged array: %w", err)
	}
	return out, nil
}
