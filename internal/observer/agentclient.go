// Package observer implements the public-facing authority: the HTTP API,
// the life-state coordination, and the four background loops.
package observer

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

	"github.com/amialive/amialive/internal/agent"
)

// AgentClient is the observer's view of the agent's loopback API.
// Transient failures (5xx, network) retry with exponential backoff; 4xx
// never does.
type AgentClient struct {
	base   string
	key    string
	client *http.Client
	// retries caps transient retry attempts per call.
	retries int
	// retryBackoff is the first backoff; it doubles per attempt.
	retryBackoff time.Duration
}

// NewAgentClient builds a client for the agent at base.
func NewAgentClient(base, internalKey string) *AgentClient {
	return &AgentClient{
		base:         strings.TrimSuffix(base, "/"),
		key:          internalKey,
		client:       &http.Client{Timeout: 10 * time.Second},
		retries:      3,
		retryBackoff: time.Second,
	}
}

// permanentError marks a 4xx that must not retry.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("agent rejected request (status %d): %s", e.status, e.body)
}

func (c *AgentClient) do(ctx context.Context, method, path string, payload, out any) error {
	var lastErr error
	backoff := c.retryBackoff
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

func (c *AgentClient) doOnce(ctx context.Context, method, path string, payload, out any) error {
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
		return fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &permanentError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse agent response: %w", err)
		}
	}
	return nil
}

// State fetches the agent's self-reported state.
func (c *AgentClient) State(ctx context.Context) (agent.State, error) {
	var st agent.State
	err := c.do(ctx, http.MethodGet, "/state", nil, &st)
	return st, err
}

// Birth notifies the agent of a new life. Transient failures retry
// through do's backoff; a 4xx means the payload is malformed and fails
// fast — rescheduling cannot fix it.
func (c *AgentClient) Birth(ctx context.Context, payload agent.BirthPayload) error {
	if err := c.do(ctx, http.MethodPost, "/birth", payload, nil); err != nil {
		return fmt.Errorf("birth notification failed: %w", err)
	}
	return nil
}

// ForceSync pushes the authoritative life number (and optionally
// liveness) onto the agent.
func (c *AgentClient) ForceSync(ctx context.Context, lifeNumber int64, isAlive *bool) error {
	payload := map[string]any{"life_number": lifeNumber}
	if isAlive != nil {
		payload["is_alive"] = *isAlive
	}
	return c.do(ctx, http.MethodPost, "/force-sync", payload, nil)
}

// Budget fetches the agent's ledger status. The balance is the sole
// bankruptcy signal.
func (c *AgentClient) Budget(ctx context.Context) (BudgetReport, error) {
	var report BudgetReport
	err := c.do(ctx, http.MethodGet, "/budget", nil, &report)
	return report, err
}

// BudgetReport is the slice of the ledger status the observer reads.
type BudgetReport struct {
	BalanceUSD       float64 `json:"balance_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	Level            string  `json:"level"`
}

// Oracle forwards an administrative directive to the agent.
func (c *AgentClient) Oracle(ctx context.Context, kind, text string) error {
	return c.do(ctx, http.MethodPost, "/oracle", map[string]string{"kind": kind, "text": text}, nil)
}
