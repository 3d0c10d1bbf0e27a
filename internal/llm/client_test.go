package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(Options{
		Endpoint:    url,
		Model:       "test-model",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		Logger:      zerolog.Nop(),
	})
}

func chatBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	if err != nil {
		t.Fatalf("marshal chat body: %v", err)
	}
	return body
}

func TestRefineResolvesAndRepairsIDs(t *testing.T) {
	t.Parallel()

	content := `{
		"groups": [
			{"topic_label": "envoy summons", "member_event_ids": ["event-1", "evnt-2"], "member_catchall_indices": [0]}
		],
		"unmatched_catchall_indices": [1]
	}`

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(chatBody(t, content))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.apiKey = "secret"

	req := Request{
		BucketLabel: "IR 2026-08",
		Topics: []Topic{
			{EventID: 1, Label: "summons"},
			{EventID: 2, Label: "ambassador"},
		},
		Catchall: []string{"iran summons french envoy", "unrelated weather"},
	}
	p, err := c.Refine(context.Background(), req)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if len(p.Groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(p.Groups))
	}
	g := p.Groups[0]
	if len(g.MemberEventIDs) != 2 || g.MemberEventIDs[0] != 1 || g.MemberEventIDs[1] != 2 {
		t.Fatalf("member ids = %v, want [1 2]", g.MemberEventIDs)
	}
	if len(p.UnmatchedCatchall) != 1 || p.UnmatchedCatchall[0] != 1 {
		t.Fatalf("unmatched = %v, want [1]", p.UnmatchedCatchall)
	}
}

func TestRefineRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	content := `{"groups": [], "unmatched_catchall_indices": []}`
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(chatBody(t, content))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).Refine(context.Background(), Request{}); err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestRefineRejectsAfterRepeatedSchemaViolations(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write(chatBody(t, `{"topics": "wrong shape"}`))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).Refine(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for schema-violating responses")
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestRefineDoesNotRetryAuthFailure(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).Refine(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for 401")
	}
	if attempts != 1 {
		t.Fatalf("got %d attempts, want 1", attempts)
	}
}

func TestProposalValidate(t *testing.T) {
	t.Parallel()

	supplied := []int64{1, 2, 3}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		p := Proposal{
			Groups: []Group{
				{MemberEventIDs: []int64{1, 2}, MemberCatchallIndices: []int{0}},
				{MemberEventIDs: []int64{3}},
			},
			UnmatchedCatchall: []int{1},
		}
		if err := p.Validate(supplied, 2, 10); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("duplicate event id rejected", func(t *testing.T) {
		t.Parallel()
		p := Proposal{Groups: []Group{
			{MemberEventIDs: []int64{1, 2}},
			{MemberEventIDs: []int64{2}},
		}}
		if err := p.Validate(supplied, 0, 10); err == nil {
			t.Fatal("expected error for duplicated event id")
		}
	})

	t.Run("unknown event id rejected", func(t *testing.T) {
		t.Parallel()
		p := Proposal{Groups: []Group{{MemberEventIDs: []int64{42}}}}
		if err := p.Validate(supplied, 0, 10); err == nil {
			t.Fatal("expected error for unknown event id")
		}
	})

	t.Run("catchall index out of range rejected", func(t *testing.T) {
		t.Parallel()
		p := Proposal{Groups: []Group{{MemberCatchallIndices: []int{5}}}}
		if err := p.Validate(supplied, 2, 10); err == nil {
			t.Fatal("expected error for out-of-range index")
		}
	})

	t.Run("over-merge rejected", func(t *testing.T) {
		t.Parallel()
		ids := make([]int64, 12)
		all := make([]int64, 12)
		for i := range ids {
			ids[i] = int64(i + 1)
			all[i] = int64(i + 1)
		}
		p := Proposal{Groups: []Group{{MemberEventIDs: ids}}}
		err := p.Validate(all, 0, 10)
		if !errors.Is(err, ErrOverMerge) {
			t.Fatalf("got %v, want ErrOverMerge", err)
		}
	})

	t.Run("missing supplied ids tolerated", func(t *testing.T) {
		t.Parallel()
		p := Proposal{Groups: []Group{{MemberEventIDs: []int64{1}}}}
		if err := p.Validate(supplied, 0, 10); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestEventRef(t *testing.T) {
	t.Parallel()
	if got := EventRef(12); got != "event-12" {
		t.Fatalf("EventRef(12) = %q", got)
	}
}
