package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Wire Service</title>
<item>
	<title>Iran summons French envoy</title>
	<link>https://example.com/a</link>
	<pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
</item>
<item>
	<title>Old item</title>
	<link>https://example.com/b</link>
	<pubDate>Mon, 02 Feb 2026 10:00:00 GMT</pubDate>
</item>
</channel>
</rss>`

func testClient(lookback time.Duration) *Client {
	return NewClient(Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		Lookback:    lookback,
		Timeout:     5 * time.Second,
	}, zerolog.Nop())
}

func TestFetchParsesAndFiltersWatermark(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	watermark := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	result, err := testClient(48*time.Hour).Fetch(context.Background(), Feed{
		URL:         srv.URL,
		Label:       "wire",
		WatermarkAt: &watermark,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.NotModified {
		t.Fatal("unexpected not-modified")
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry above watermark, got %d", len(result.Entries))
	}
	if result.Entries[0].Title != "Iran summons French envoy" {
		t.Fatalf("unexpected entry: %+v", result.Entries[0])
	}
	if result.Entries[0].Source != "Wire Service" {
		t.Fatalf("expected feed-level source fallback, got %q", result.Entries[0].Source)
	}
	if result.ETag != `"v1"` {
		t.Fatalf("etag not captured: %q", result.ETag)
	}

	wantWatermark := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	if !result.Watermark.Equal(wantWatermark) {
		t.Fatalf("watermark = %v, want %v", result.Watermark, wantWatermark)
	}
}

func TestFetchWatermarkNeverMovesBackward(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	// Stored watermark is already ahead of anything this feed serves; a feed
	// temporarily dropping its newest items must not regress it.
	watermark := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	result, err := testClient(48*time.Hour).Fetch(context.Background(), Feed{
		URL:         srv.URL,
		Label:       "wire",
		WatermarkAt: &watermark,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("no entry is above the watermark, got %d", len(result.Entries))
	}
	if !result.Watermark.Equal(watermark) {
		t.Fatalf("watermark regressed to %v, want %v kept", result.Watermark, watermark)
	}
}

func TestFetchNotModifiedShortCircuits(t *testing.T) {
	t.Parallel()

	var sawETag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawETag = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	etag := `"v1"`
	result, err := testClient(time.Hour).Fetch(context.Background(), Feed{URL: srv.URL, ETag: &etag})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !result.NotModified {
		t.Fatal("expected not-modified result")
	}
	if len(result.Entries) != 0 {
		t.Fatalf("304 must yield zero entries, got %d", len(result.Entries))
	}
	if !result.Watermark.IsZero() {
		t.Fatal("304 must leave watermark unchanged")
	}
	if sawETag != etag {
		t.Fatalf("If-None-Match not sent: %q", sawETag)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	result, err := testClient(time.Hour).Fetch(context.Background(), Feed{URL: srv.URL, Label: "wire"})
	if err != nil {
		t.Fatalf("fetch failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries with no watermark, got %d", len(result.Entries))
	}
}

func TestFetchPermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(time.Hour).Fetch(context.Background(), Feed{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if attempts != 1 {
		t.Fatalf("permanent failure retried: %d attempts", attempts)
	}
}

func TestFetchExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(time.Hour).Fetch(context.Background(), Feed{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
