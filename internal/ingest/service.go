// Package ingest pulls due feeds and inserts new headlines as pending.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/feeds"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/langdetect"
	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

const maxFeedErrorLength = 4000

type Service struct {
	pool    *db.Pool
	client  *feeds.Client
	logger  zerolog.Logger
	workers int
}

type Result struct {
	FeedsFetched     int
	FeedsNotModified int
	FeedsFailed      int
	EntriesSeen      int
	Inserted         int
	TombstoneBlocked int
	Duplicates       int
}

func NewService(pool *db.Pool, client *feeds.Client, workers int, logger zerolog.Logger) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		pool:    pool,
		client:  client,
		logger:  logger,
		workers: workers,
	}
}

// IngestDue fetches up to limit active feeds concurrently under the worker
// cap. One poisoned feed is contained: its error lands on the feed row and in
// the counters, never on the cycle.
func (s *Service) IngestDue(ctx context.Context, limit int) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}
	if limit <= 0 {
		return Result{}, nil
	}

	due, err := s.listActiveFeeds(ctx, limit)
	if err != nil {
		return Result{}, err
	}
	if len(due) == 0 {
		return Result{}, nil
	}

	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.workers)

	for _, feed := range due {
		wg.Add(1)
		go func(feed feeds.Feed) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			one, err := s.ingestFeed(ctx, feed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FeedsFailed++
				s.logger.Error().Err(err).Str("feed", feed.URL).Msg("feed ingest failed")
				return
			}
			result.FeedsFetched++
			if one.notModified {
				result.FeedsNotModified++
			}
			result.EntriesSeen += one.seen
			result.Inserted += one.inserted
			result.TombstoneBlocked += one.tombstoned
			result.Duplicates += one.duplicates
		}(feed)
	}
	wg.Wait()

	return result, nil
}

type feedOutcome struct {
	notModified bool
	seen        int
	inserted    int
	tombstoned  int
	duplicates  int
}

func (s *Service) ingestFeed(ctx context.Context, feed feeds.Feed) (feedOutcome, error) {
	fetched, err := s.client.Fetch(ctx, feed)
	if err != nil {
		if markErr := s.markFeedError(ctx, feed.FeedID, err); markErr != nil {
			return feedOutcome{}, fmt.Errorf("fetch failed (%v); mark feed error: %w", err, markErr)
		}
		return feedOutcome{}, err
	}

	now := globaltime.UTC()
	if fetched.NotModified {
		if err := s.markFeedFetched(ctx, feed.FeedID, nil, nil, nil, now); err != nil {
			return feedOutcome{}, err
		}
		return feedOutcome{notModified: true}, nil
	}

	outcome := feedOutcome{seen: len(fetched.Entries)}
	for _, entry := range fetched.Entries {
		inserted, tombstoned, err := s.insertHeadline(ctx, feed, entry, now)
		if err != nil {
			return feedOutcome{}, err
		}
		switch {
		case tombstoned:
			outcome.tombstoned++
		case inserted:
			outcome.inserted++
		default:
			outcome.duplicates++
		}
	}

	var etag, lastModified *string
	if strings.TrimSpace(fetched.ETag) != "" {
		etag = &fetched.ETag
	}
	if strings.TrimSpace(fetched.LastModified) != "" {
		lastModified = &fetched.LastModified
	}
	var watermark *time.Time
	if !fetched.Watermark.IsZero() {
		watermark = &fetched.Watermark
	}
	if err := s.markFeedFetched(ctx, feed.FeedID, etag, lastModified, watermark, now); err != nil {
		return feedOutcome{}, err
	}

	return outcome, nil
}

// insertHeadline is the idempotent insert: a tombstoned content hash blocks
// re-creation of a purged duplicate, and ON CONFLICT DO NOTHING makes
// concurrent ingestion of the same entry from overlapping runs safe.
func (s *Service) insertHeadline(ctx context.Context, feed feeds.Feed, entry feeds.Entry, now time.Time) (inserted, tombstoned bool, err error) {
	normalizedTitle := normalize.Normalize(entry.Title)
	if normalizedTitle == "" {
		return false, false, nil
	}
	contentHash := sha256.Sum256([]byte(normalizedTitle))

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, false, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const tombstoneQ = `
SELECT 1
FROM sni.tombstones
WHERE content_hash = $1
`
	var one int
	err = tx.QueryRow(ctx, tombstoneQ, contentHash[:]).Scan(&one)
	if err == nil {
		return false, true, tx.Commit(ctx)
	}
	if !db.IsNoRows(err) {
		return false, false, fmt.Errorf("check tombstone: %w", err)
	}

	language := langdetect.DetectISO6391(entry.Title)
	if language == "" {
		language = "und"
	}

	const insertQ = `
INSERT INTO sni.headlines (
	feed_id,
	source,
	title,
	normalized_title,
	language,
	content_hash,
	published_at,
	status,
	pass_reached,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $8)
ON CONFLICT DO NOTHING
`
	tag, err := tx.Exec(
		ctx,
		insertQ,
		feed.FeedID,
		entry.Source,
		entry.Title,
		normalizedTitle,
		language,
		contentHash[:],
		entry.PublishedAt.UTC(),
		now,
	)
	if err != nil {
		return false, false, fmt.Errorf("insert headline %q: %w", entry.Title, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("commit ingest tx: %w", err)
	}
	return tag.RowsAffected() == 1, false, nil
}

func (s *Service) listActiveFeeds(ctx context.Context, limit int) ([]feeds.Feed, error) {
	const q = `
SELECT
	feed_id,
	url,
	label,
	etag,
	last_modified,
	watermark_at
FROM sni.feed_sources
WHERE active
ORDER BY last_fetched_at NULLS FIRST
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list active feeds: %w", err)
	}
	defer rows.Close()

	due := make([]feeds.Feed, 0, limit)
	for rows.Next() {
		var f feeds.Feed
		if err := rows.Scan(&f.FeedID, &f.URL, &f.Label, &f.ETag, &f.LastModified, &f.WatermarkAt); err != nil {
			return nil, fmt.Errorf("scan feed row: %w", err)
		}
		due = append(due, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed rows: %w", err)
	}
	return due, nil
}

// markFeedFetched is row-scoped so unrelated feeds never contend.
func (s *Service) markFeedFetched(
	ctx context.Context,
	feedID int64,
	etag *string,
	lastModified *string,
	watermark *time.Time,
	now time.Time,
) error {
	const q = `
UPDATE sni.feed_sources
SET
	etag = COALESCE($2, etag),
	last_modified = COALESCE($3, last_modified),
	watermark_at = GREATEST(watermark_at, COALESCE($4, watermark_at)),
	last_fetched_at = $5,
	last_error = NULL,
	updated_at = $5
WHERE feed_id = $1
`
	_, err := s.pool.Exec(ctx, q, feedID, etag, lastModified, watermark, now)
	if err != nil {
		return fmt.Errorf("mark feed %d fetched: %w", feedID, err)
	}
	return nil
}

func (s *Service) markFeedError(ctx context.Context, feedID int64, cause error) error {
	msg := strings.TrimSpace(cause.Error())
	if len(msg) > maxFeedErrorLength {
		msg = msg[:maxFeedErrorLength]
	}

	const q = `
UPDATE sni.feed_sources
SET
	last_error = $2,
	last_fetched_at = $3,
	updated_at = $3
WHERE feed_id = $1
`
	_, err := s.pool.Exec(ctx, q, feedID, msg, globaltime.UTC())
	if err != nil {
		return fmt.Errorf("mark feed %d error: %w", feedID, err)
	}
	return nil
}
