package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/llm"
)

const topicSampleSize = 4

type ConsolidateResult struct {
	Slices     int
	Merges     int
	Promoted   int
	Singletons int
	Rejected   int
}

// ConsolidateBucket runs one refinement round for every
// (classification, bucket key) slice of a bucket that has enough material to
// consolidate. The refinement call happens outside any transaction; applying
// an accepted proposal happens inside exactly one.
func (s *Service) ConsolidateBucket(ctx context.Context, bucketID int64) (ConsolidateResult, error) {
	if s == nil || s.pool == nil {
		return ConsolidateResult{}, fmt.Errorf("cluster service is not initialized")
	}
	if s.refiner == nil {
		return ConsolidateResult{}, nil
	}

	label, err := s.bucketLabel(ctx, bucketID)
	if err != nil {
		return ConsolidateResult{}, err
	}

	slices, err := s.listSlices(ctx, bucketID)
	if err != nil {
		return ConsolidateResult{}, err
	}

	var result ConsolidateResult
	for _, slice := range slices {
		one, err := s.consolidateSlice(ctx, bucketID, label, slice)
		if err != nil {
			// A failed slice never halts the rest of the bucket.
			s.logger.Error().Err(err).
				Int64("bucket_id", bucketID).
				Str("classification", slice.classification).
				Str("bucket_key", slice.bucketKey).
				Msg("slice consolidation failed")
			continue
		}
		result.Slices++
		result.Merges += one.Merges
		result.Promoted += one.Promoted
		result.Singletons += one.Singletons
		result.Rejected += one.Rejected
	}
	return result, nil
}

type bucketSlice struct {
	classification string
	bucketKey      string
}

type topicRow struct {
	eventID int64
	title   string
	samples []string
}

type catchallItem struct {
	headlineID    int64
	catchallEvent int64
	title         string
	publishedAt   time.Time
}

func (s *Service) bucketLabel(ctx context.Context, bucketID int64) (string, error) {
	const q = `
SELECT centroid_id, track, month
FROM sni.period_buckets
WHERE bucket_id = $1
`
	var centroid, track, month string
	if err := s.pool.QueryRow(ctx, q, bucketID).Scan(&centroid, &track, &month); err != nil {
		return "", fmt.Errorf("load bucket %d: %w", bucketID, err)
	}
	return fmt.Sprintf("%s/%s %s", centroid, track, month), nil
}

func (s *Service) listSlices(ctx context.Context, bucketID int64) ([]bucketSlice, error) {
	const q = `
SELECT DISTINCT classification, bucket_key
FROM sni.events
WHERE bucket_id = $1
ORDER BY classification, bucket_key
`
	rows, err := s.pool.Query(ctx, q, bucketID)
	if err != nil {
		return nil, fmt.Errorf("list slices of bucket %d: %w", bucketID, err)
	}
	defer rows.Close()

	var out []bucketSlice
	for rows.Next() {
		var sl bucketSlice
		if err := rows.Scan(&sl.classification, &sl.bucketKey); err != nil {
			return nil, fmt.Errorf("scan slice: %w", err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slices: %w", err)
	}
	return out, nil
}

func (s *Service) consolidateSlice(ctx context.Context, bucketID int64, label string, slice bucketSlice) (ConsolidateResult, error) {
	topics, err := s.loadTopics(ctx, bucketID, slice)
	if err != nil {
		return ConsolidateResult{}, err
	}
	catchall, err := s.loadCatchallItems(ctx, bucketID, slice)
	if err != nil {
		return ConsolidateResult{}, err
	}
	if len(topics) < 2 && len(catchall) == 0 {
		return ConsolidateResult{}, nil
	}

	req := llm.Request{
		BucketLabel: fmt.Sprintf("%s %s/%s", label, slice.classification, slice.bucketKey),
		Topics:      make([]llm.Topic, 0, len(topics)),
		Catchall:    make([]string, 0, len(catchall)),
	}
	eventIDs := make([]int64, 0, len(topics))
	for _, t := range topics {
		req.Topics = append(req.Topics, llm.Topic{
			EventID: t.eventID,
			ID:      llm.EventRef(t.eventID),
			Label:   t.title,
			Samples: t.samples,
		})
		eventIDs = append(eventIDs, t.eventID)
	}
	for _, c := range catchall {
		req.Catchall = append(req.Catchall, c.title)
	}

	proposal, err := s.refiner.Refine(ctx, req)
	if err != nil {
		return ConsolidateResult{}, fmt.Errorf("refine slice: %w", err)
	}

	if err := proposal.Validate(eventIDs, len(catchall), s.overMergeCap); err != nil {
		if errors.Is(err, llm.ErrOverMerge) {
			s.logger.Warn().Err(err).Int64("bucket_id", bucketID).Msg("over-merge proposal rejected")
			return ConsolidateResult{Rejected: 1}, nil
		}
		return ConsolidateResult{Rejected: 1}, fmt.Errorf("invalid proposal: %w", err)
	}

	return s.applyProposal(ctx, bucketID, slice, proposal, catchall)
}

func (s *Service) loadTopics(ctx context.Context, bucketID int64, slice bucketSlice) ([]topicRow, error) {
	const q = `
SELECT event_id, title
FROM sni.events
WHERE bucket_id = $1 AND classification = $2 AND bucket_key = $3 AND NOT is_catchall AND size > 0
ORDER BY event_id
`
	rows, err := s.pool.Query(ctx, q, bucketID, slice.classification, slice.bucketKey)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	defer rows.Close()

	var topics []topicRow
	for rows.Next() {
		var t topicRow
		if err := rows.Scan(&t.eventID, &t.title); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}

	const sampleQ = `
SELECT h.title
FROM sni.event_headline_links l
JOIN sni.headlines h ON h.headline_id = l.headline_id
WHERE l.event_id = $1
ORDER BY l.linked_at DESC
LIMIT $2
`
	for i := range topics {
		srows, err := s.pool.Query(ctx, sampleQ, topics[i].eventID, topicSampleSize)
		if err != nil {
			return nil, fmt.Errorf("load samples for event %d: %w", topics[i].eventID, err)
		}
		for srows.Next() {
			var title string
			if err := srows.Scan(&title); err != nil {
				srows.Close()
				return nil, fmt.Errorf("scan sample: %w", err)
			}
			topics[i].samples = append(topics[i].samples, title)
		}
		iterErr := srows.Err()
		srows.Close()
		if iterErr != nil {
			return nil, fmt.Errorf("iterate samples: %w", iterErr)
		}
	}
	return topics, nil
}

func (s *Service) loadCatchallItems(ctx context.Context, bucketID int64, slice bucketSlice) ([]catchallItem, error) {
	const q = `
SELECT h.headline_id, e.event_id, h.title, COALESCE(h.published_at, h.created_at)
FROM sni.events e
JOIN sni.event_headline_links l ON l.event_id = e.event_id
JOIN sni.headlines h ON h.headline_id = l.headline_id
WHERE e.bucket_id = $1 AND e.classification = $2 AND e.bucket_key = $3 AND e.is_catchall
ORDER BY h.headline_id
`
	rows, err := s.pool.Query(ctx, q, bucketID, slice.classification, slice.bucketKey)
	if err != nil {
		return nil, fmt.Errorf("load catchall items: %w", err)
	}
	defer rows.Close()

	var items []catchallItem
	for rows.Next() {
		var c catchallItem
		if err := rows.Scan(&c.headlineID, &c.catchallEvent, &c.title, &c.publishedAt); err != nil {
			return nil, fmt.Errorf("scan catchall item: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catchall items: %w", err)
	}
	return items, nil
}

// applyProposal commits an accepted proposal in a single transaction: merged
// events re-point their headline links to the surviving event, emptied
// sources are deleted, grouped catchall items move to their topic, and
// catchall items the proposal never accounted for become singleton events so
// nothing is ever dropped.
func (s *Service) applyProposal(ctx context.Context, bucketID int64, slice bucketSlice, proposal llm.Proposal, catchall []catchallItem) (ConsolidateResult, error) {
	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return ConsolidateResult{}, fmt.Errorf("begin consolidate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var result ConsolidateResult
	for _, group := range proposal.Groups {
		targetID, merged, err := s.mergeGroup(ctx, tx, group)
		if err != nil {
			return ConsolidateResult{}, err
		}
		result.Merges += merged

		if len(group.MemberCatchallIndices) > 0 {
			if targetID == 0 {
				// A group made only of catchall items founds a new topic.
				targetID, err = createEvent(ctx, tx, bucketID, slice, group.TopicLabel, catchall[group.MemberCatchallIndices[0]].publishedAt)
				if err != nil {
					return ConsolidateResult{}, err
				}
			}
			for _, idx := range group.MemberCatchallIndices {
				if err := moveHeadline(ctx, tx, catchall[idx], targetID); err != nil {
					return ConsolidateResult{}, err
				}
				result.Promoted++
			}
		}

		if targetID != 0 {
			if err := s.refreshEvent(ctx, tx, targetID, group.TopicLabel); err != nil {
				return ConsolidateResult{}, err
			}
		}
	}

	// Singleton fallback: a catchall item in neither a group nor the
	// unmatched list still gets a home of its own.
	for _, idx := range unaccountedCatchall(proposal, len(catchall)) {
		item := catchall[idx]
		singletonID, err := createEvent(ctx, tx, bucketID, slice, item.title, item.publishedAt)
		if err != nil {
			return ConsolidateResult{}, err
		}
		if err := moveHeadline(ctx, tx, item, singletonID); err != nil {
			return ConsolidateResult{}, err
		}
		if err := s.refreshEvent(ctx, tx, singletonID, item.title); err != nil {
			return ConsolidateResult{}, err
		}
		result.Singletons++
	}

	if err := tx.Commit(ctx); err != nil {
		return ConsolidateResult{}, fmt.Errorf("commit consolidate tx: %w", err)
	}
	return result, nil
}

// unaccountedCatchall returns, in input order, every catchall index the
// proposal neither groups into a topic nor lists as unmatched. Those items
// fall back to singleton events so a consolidation pass can never drop a
// headline.
func unaccountedCatchall(proposal llm.Proposal, total int) []int {
	accounted := make(map[int]struct{}, total)
	for _, idx := range proposal.UnmatchedCatchall {
		accounted[idx] = struct{}{}
	}
	for _, group := range proposal.Groups {
		for _, idx := range group.MemberCatchallIndices {
			accounted[idx] = struct{}{}
		}
	}

	var out []int
	for idx := 0; idx < total; idx++ {
		if _, ok := accounted[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}

// mergeGroup folds all of a group's events into its largest member and
// deletes the emptied sources. Returns the surviving event id (0 when the
// group holds no events) and the number of events merged away.
func (s *Service) mergeGroup(ctx context.Context, tx db.Tx, group llm.Group) (int64, int, error) {
	if len(group.MemberEventIDs) == 0 {
		return 0, 0, nil
	}

	type member struct {
		id   int64
		size int
	}
	members := make([]member, 0, len(group.MemberEventIDs))
	const lockQ = `
SELECT event_id, size
FROM sni.events
WHERE event_id = $1
FOR UPDATE
`
	for _, id := range group.MemberEventIDs {
		var m member
		err := tx.QueryRow(ctx, lockQ, id).Scan(&m.id, &m.size)
		if db.IsNoRows(err) {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("lock event %d: %w", id, err)
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return 0, 0, nil
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].size != members[j].size {
			return members[i].size > members[j].size
		}
		return members[i].id < members[j].id
	})
	target := members[0]

	merged := 0
	for _, src := range members[1:] {
		const repointQ = `
INSERT INTO sni.event_headline_links (event_id, headline_id, linked_at)
SELECT $1, headline_id, linked_at
FROM sni.event_headline_links
WHERE event_id = $2
ON CONFLICT DO NOTHING
`
		if _, err := tx.Exec(ctx, repointQ, target.id, src.id); err != nil {
			return 0, 0, fmt.Errorf("re-point links %d -> %d: %w", src.id, target.id, err)
		}
		const dropLinksQ = `
DELETE FROM sni.event_headline_links
WHERE event_id = $1
`
		if _, err := tx.Exec(ctx, dropLinksQ, src.id); err != nil {
			return 0, 0, fmt.Errorf("drop links of event %d: %w", src.id, err)
		}

		const mergeTagsQ = `
UPDATE sni.events t
SET tags = (
	SELECT COALESCE(jsonb_agg(DISTINCT tag), '[]'::jsonb)
	FROM (
		SELECT jsonb_array_elements_text(t.tags) AS tag
		UNION
		SELECT jsonb_array_elements_text(s.tags)
		FROM sni.events s
		WHERE s.event_id = $2
	) u
)
WHERE t.event_id = $1
`
		if _, err := tx.Exec(ctx, mergeTagsQ, target.id, src.id); err != nil {
			return 0, 0, fmt.Errorf("merge tags %d -> %d: %w", src.id, target.id, err)
		}

		const deleteEmptyQ = `
DELETE FROM sni.events
WHERE event_id = $1
  AND NOT EXISTS (SELECT 1 FROM sni.event_headline_links WHERE event_id = $1)
`
		if _, err := tx.Exec(ctx, deleteEmptyQ, src.id); err != nil {
			return 0, 0, fmt.Errorf("delete emptied event %d: %w", src.id, err)
		}
		merged++
	}
	return target.id, merged, nil
}

func createEvent(ctx context.Context, tx db.Tx, bucketID int64, slice bucketSlice, title string, seenAt time.Time) (int64, error) {
	if title == "" {
		title = "untitled"
	}
	const q = `
INSERT INTO sni.events (bucket_id, classification, bucket_key, sub_alias, title, tags, is_catchall, size, emergent, first_seen_at, last_seen_at, created_at, updated_at)
VALUES ($1, $2, $3, '', $4, '[]'::jsonb, false, 0, false, $5, $5, $6, $6)
RETURNING event_id
`
	now := globaltime.UTC()
	var id int64
	if err := tx.QueryRow(ctx, q, bucketID, slice.classification, slice.bucketKey, title, seenAt.UTC(), now).Scan(&id); err != nil {
		return 0, fmt.Errorf("create event %q: %w", title, err)
	}
	return id, nil
}

func moveHeadline(ctx context.Context, tx db.Tx, item catchallItem, targetEventID int64) error {
	const insertQ = `
INSERT INTO sni.event_headline_links (event_id, headline_id, linked_at)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`
	if _, err := tx.Exec(ctx, insertQ, targetEventID, item.headlineID, globaltime.UTC()); err != nil {
		return fmt.Errorf("link headline %d to event %d: %w", item.headlineID, targetEventID, err)
	}
	const removeQ = `
DELETE FROM sni.event_headline_links
WHERE event_id = $1 AND headline_id = $2
`
	if _, err := tx.Exec(ctx, removeQ, item.catchallEvent, item.headlineID); err != nil {
		return fmt.Errorf("unlink headline %d from catchall %d: %w", item.headlineID, item.catchallEvent, err)
	}
	const shrinkQ = `
UPDATE sni.events
SET size = (SELECT COUNT(*) FROM sni.event_headline_links WHERE event_id = $1), updated_at = $2
WHERE event_id = $1
`
	if _, err := tx.Exec(ctx, shrinkQ, item.catchallEvent, globaltime.UTC()); err != nil {
		return fmt.Errorf("refresh catchall %d: %w", item.catchallEvent, err)
	}
	return nil
}

// refreshEvent recomputes derived fields from the links after a merge or
// promotion: size, seen range, emergence and the topic label.
func (s *Service) refreshEvent(ctx context.Context, tx db.Tx, eventID int64, title string) error {
	const q = `
UPDATE sni.events e
SET
	size = agg.n,
	first_seen_at = LEAST(e.first_seen_at, agg.first_seen),
	last_seen_at = GREATEST(e.last_seen_at, agg.last_seen),
	emergent = e.emergent OR agg.n >= $3,
	title = CASE WHEN $2 <> '' THEN $2 ELSE e.title END,
	updated_at = $4
FROM (
	SELECT
		COUNT(*) AS n,
		COALESCE(MIN(COALESCE(h.published_at, h.created_at)), now()) AS first_seen,
		COALESCE(MAX(COALESCE(h.published_at, h.created_at)), now()) AS last_seen
	FROM sni.event_headline_links l
	JOIN sni.headlines h ON h.headline_id = l.headline_id
	WHERE l.event_id = $1
) agg
WHERE e.event_id = $1
`
	if _, err := tx.Exec(ctx, q, eventID, title, s.emergenceSize, globaltime.UTC()); err != nil {
		return fmt.Errorf("refresh event %d: %w", eventID, err)
	}
	return nil
}
