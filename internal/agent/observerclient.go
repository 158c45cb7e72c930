package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amialive/amialive/internal/store"
)

// ObserverClient talks to the observer's API on behalf of the agent.
// Transient failures (5xx, network) retry with backoff; 4xx never does.
type ObserverClient struct {
	base   string
	key    string
	client *http.Client
	// retries caps transient retry attempts per call.
	retries int
}

// NewObserverClient builds a client for the observer at base.
func NewObserverClient(base, internalKey string, transport http.RoundTripper) *ObserverClient {
	client := &http.Client{Timeout: 10 * time.Second}
	if transport != nil {
		client.Transport = transport
	}
	return &ObserverClient{
		base:    strings.TrimSuffix(base, "/"),
		key:     internalKey,
		client:  client,
		retries: 3,
	}
}

// permanentError marks a 4xx that must not retry.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("observer rejected request (status %d): %s", e.status, e.body)
}

func (c *ObserverClient) do(ctx context.Context, method, path string, payload, out any) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
	}
	return lastErr
}

func (c *ObserverClient) doOnce(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", c.key)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call observer: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read observer response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &permanentError{status: resp.StatusCode, body: string(raw)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("observer error (status %d)", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse observer response: %w", err)
		}
	}
	return nil
}

// ReportActivity records an activity event with the observer.
func (c *ObserverClient) ReportActivity(ctx context.Context, kind, payload string) error {
	return c.do(ctx, http.MethodPost, "/api/activity", map[string]string{
		"kind":    kind,
		"payload": payload,
	}, nil)
}

// ReportThought records a public thought.
func (c *ObserverClient) ReportThought(ctx context.Context, content, thoughtType string) error {
	return c.do(ctx, http.MethodPost, "/api/thought", map[string]string{
		"content": content,
		"type":    thoughtType,
	}, nil)
}

// ReportIdentity tells the observer who this life decided to be.
func (c *ObserverClient) ReportIdentity(ctx context.Context, id Identity) error {
	return c.do(ctx, http.MethodPost, "/api/identity", map[string]any{
		"life_number": id.LifeNumber,
		"name":        id.Name,
		"icon":        id.Icon,
		"pronoun":     id.Pronoun,
		"model":       id.Model,
	}, nil)
}

// CreateBlogPost publishes a long-form post through the observer.
func (c *ObserverClient) CreateBlogPost(ctx context.Context, title, content string, tags []string) (store.BlogPost, error) {
	var post store.BlogPost
	err := c.do(ctx, http.MethodPost, "/api/blog/post", map[string]any{
		"title":   title,
		"content": content,
		"tags":    tags,
	}, &post)
	return post, err
}

// VoteCounts is the public tally for the open round.
type VoteCounts struct {
	Live  int `json:"live"`
	Die   int `json:"die"`
	Total int `json:"total"`
}

// Votes fetches the current tally.
func (c *ObserverClient) Votes(ctx context.Context) (VoteCounts, error) {
	var v VoteCounts
	err := c.do(ctx, http.MethodGet, "/api/votes", nil, &v)
	return v, err
}

// UnreadMessages fetches the visitor inbox.
func (c *ObserverClient) UnreadMessages(ctx context.Context) ([]store.VisitorMessage, error) {
	var out struct {
		Messages []store.VisitorMessage `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages", nil, &out)
	return out.Messages, err
}

// MarkMessagesRead acknowledges inbox entries.
func (c *ObserverClient) MarkMessagesRead(ctx context.Context, ids []int64) error {
	return c.do(ctx, http.MethodPost, "/api/messages/read", map[string]any{"ids": ids}, nil)
}

// UnreadCount fetches the unread counter for prompt context.
func (c *ObserverClient) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages/count", nil, &out)
	return out.Count, err
}
