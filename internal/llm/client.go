// Package llm wraps the topic-refinement collaborator: an OpenAI-compatible
// chat completions endpoint that proposes which topics in a bucket describe
// the same story. The model is a black box; everything around it (schema
// validation, id repair, retry) lives here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Topic is one existing event offered to the model, with sample headlines.
type Topic struct {
	EventID int64    `json:"-"`
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Samples []string `json:"samples"`
}

// Request describes one consolidation round for one bucket.
type Request struct {
	BucketLabel string   `json:"bucket"`
	Topics      []Topic  `json:"topics"`
	Catchall    []string `json:"catchall"`
}

// Group is one proposed story: existing topics to merge plus catchall
// headlines that belong to it. Event ids are resolved, repaired and
// validated before the group reaches a caller.
type Group struct {
	TopicLabel            string
	MemberEventIDs        []int64
	MemberCatchallIndices []int
}

// Proposal is the validated refinement outcome for one request.
type Proposal struct {
	Groups            []Group
	UnmatchedCatchall []int
}

type Client struct {
	httpClient  *http.Client
	endpoint    string
	model       string
	apiKey      string
	maxAttempts int
	backoffBase time.Duration
	logger      zerolog.Logger
}

type Options struct {
	Endpoint    string
	Model       string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		endpoint:    strings.TrimRight(opts.Endpoint, "/"),
		model:       opts.Model,
		apiKey:      opts.APIKey,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      opts.Logger,
	}
}

const systemPrompt = `You consolidate news topics inside one bucket. Given existing topics (each with sample headlines) and unclustered catchall headlines, group together topics and catchall items that describe the same story. Respond with JSON only, matching the schema you were given: {"groups":[{"topic_label":string,"member_event_ids":[string],"member_catchall_indices":[int]}],"unmatched_catchall_indices":[int]}. Every catchall index you do not place in a group must appear in unmatched_catchall_indices.`

// Refine sends one consolidation request and returns the repaired proposal.
// Transient transport and 429/5xx failures are retried with exponential
// backoff; a structurally invalid response body is also retried because the
// model may simply do better on a second attempt.
func (c *Client) Refine(ctx context.Context, req Request) (Proposal, error) {
	if c == nil || c.endpoint == "" {
		return Proposal{}, fmt.Errorf("llm client is not configured")
	}

	for i, t := range req.Topics {
		if t.ID == "" {
			req.Topics[i].ID = EventRef(t.EventID)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(c.backoffBase, attempt-1)); err != nil {
				return Proposal{}, err
			}
		}

		raw, retryable, err := c.complete(ctx, req)
		if err != nil {
			lastErr = err
			if !retryable {
				return Proposal{}, err
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("refinement call failed")
			continue
		}

		proposal, err := decodeProposal(raw, req)
		if err != nil {
			lastErr = fmt.Errorf("decode refinement response: %w", err)
			c.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("refinement response invalid")
			continue
		}
		return proposal, nil
	}
	return Proposal{}, fmt.Errorf("refinement failed after %d attempts: %w", c.maxAttempts, lastErr)
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, req Request) (content string, retryable bool, err error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("encode refinement request: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payload)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    0,
	})
	if err != nil {
		return "", false, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("post chat completion: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, fmt.Errorf("read chat response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("chat completion returned %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", false, fmt.Errorf("chat completion returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", true, fmt.Errorf("decode chat envelope: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", true, fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	delay := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
