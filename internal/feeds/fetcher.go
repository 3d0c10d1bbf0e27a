// Package feeds fetches syndication feeds on a conditional-GET + watermark
// schedule.
package feeds

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

// Feed is the per-source fetch state handed in by the caller.
type Feed struct {
	FeedID       int64
	URL          string
	Label        string
	ETag         *string
	LastModified *string
	WatermarkAt  *time.Time
}

// Entry is one feed item that survived the watermark cut.
type Entry struct {
	Title       string
	Link        string
	Source      string
	PublishedAt time.Time
}

// FetchResult carries the parsed entries plus the conditional-GET state to
// persist for the next cycle. On NotModified everything else is zero and the
// caller must leave the stored watermark untouched.
type FetchResult struct {
	NotModified  bool
	Entries      []Entry
	ETag         string
	LastModified string
	Watermark    time.Time
}

type Client struct {
	httpClient  *http.Client
	parser      *gofeed.Parser
	logger      zerolog.Logger
	maxAttempts int
	backoffBase time.Duration
	lookback    time.Duration
}

type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	Lookback    time.Duration
	Timeout     time.Duration
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 48 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	return &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		parser:      gofeed.NewParser(),
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		lookback:    opts.Lookback,
	}
}

// Fetch retrieves one feed with conditional GET and retries transient
// failures with exponential backoff plus jitter. A permanent failure after
// all attempts is returned to the caller, not retried further.
func (c *Client) Fetch(ctx context.Context, feed Feed) (FetchResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, retryable, err := c.fetchOnce(ctx, feed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}

		delay := backoffDelay(c.backoffBase, attempt)
		c.logger.Warn().
			Err(err).
			Str("feed", feed.URL).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("feed fetch failed; retrying")

		select {
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return FetchResult{}, fmt.Errorf("fetch feed %s: %w", feed.URL, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, feed Feed) (FetchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("build request: %w", err)
	}
	if feed.ETag != nil && strings.TrimSpace(*feed.ETag) != "" {
		req.Header.Set("If-None-Match", *feed.ETag)
	}
	if feed.LastModified != nil && strings.TrimSpace(*feed.LastModified) != "" {
		req.Header.Set("If-Modified-Since", *feed.LastModified)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return FetchResult{NotModified: true}, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return FetchResult{}, true, fmt.Errorf("feed status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return FetchResult{}, false, fmt.Errorf("feed status %d", resp.StatusCode)
	}

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("parse feed: %w", err)
	}

	result := FetchResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	var latest time.Time
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		published := itemPublished(item)
		if published.IsZero() {
			continue
		}
		if latest.IsZero() || published.After(latest) {
			latest = published
		}
		if feed.WatermarkAt != nil && !published.After(*feed.WatermarkAt) {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		result.Entries = append(result.Entries, Entry{
			Title:       title,
			Link:        strings.TrimSpace(item.Link),
			Source:      entrySource(item, parsed, feed),
			PublishedAt: published,
		})
	}

	if !latest.IsZero() {
		// lookback bounds re-processing of old entries after outages
		result.Watermark = latest.Add(-c.lookback)
		if feed.WatermarkAt != nil && result.Watermark.Before(*feed.WatermarkAt) {
			// A feed temporarily serving only stale items must not pull the
			// stored watermark backward.
			result.Watermark = *feed.WatermarkAt
		}
	}
	return result, false, nil
}

func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// entrySource prefers an explicit per-entry source over the feed title.
func entrySource(item *gofeed.Item, parsed *gofeed.Feed, feed Feed) string {
	if item.Custom != nil {
		if src := strings.TrimSpace(item.Custom["source"]); src != "" {
			return src
		}
	}
	if parsed != nil {
		if title := strings.TrimSpace(parsed.Title); title != "" {
			return title
		}
	}
	return feed.Label
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
