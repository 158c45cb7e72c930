// Package proxy intercepts the agent's outbound HTTP traffic. Request and
// response bodies are scanned for secret material; hits are quarantined
// into the private vault and replaced with placeholders before anything is
// mirrored to the public traffic log.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/amialive/amialive/internal/redact"
)

// maxScanBytes caps how much of a body is buffered for scanning. Bodies
// larger than this pass through with only the scanned prefix inspected.
const maxScanBytes = 1 << 20

// TrafficEntry is the sanitized record mirrored to public logs.
type TrafficEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Redacted  int       `json:"redacted"`
}

// Transport wraps an http.RoundTripper with secret interception.
type Transport struct {
	Base     http.RoundTripper
	Detector *redact.Detector
	Vault    *redact.Vault
	// Mirror receives the sanitized entry for each exchange. Optional.
	Mirror func(TrafficEntry)
}

// NewTransport builds a Transport over base (http.DefaultTransport if nil).
func NewTransport(base http.RoundTripper, vault *redact.Vault, mirror func(TrafficEntry)) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:     base,
		Detector: redact.NewDetector(),
		Vault:    vault,
		Mirror:   mirror,
	}
}

var sensitiveQuery = regexp.MustCompile(`(?i)(key|token|secret|password|api_key|apikey)=[^&]+`)

// sanitizeURL strips query parameters that tend to carry credentials.
func sanitizeURL(url string) string {
	return sensitiveQuery.ReplaceAllString(url, "$1=[REDACTED]")
}

// RoundTrip scans the request, forwards it, and scans the response. The
// upstream exchange is never altered; only the mirrored log is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	redacted := 0

	// Request body.
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxScanBytes))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		rest, _ := io.ReadAll(req.Body)
		req.Body.Close()
		redacted += t.quarantine(host, string(body))
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), bytes.NewReader(rest)))
	}

	// Auth-ish request headers.
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if !strings.Contains(lower, "auth") && !strings.Contains(lower, "token") && !strings.Contains(lower, "key") {
			continue
		}
		for _, v := range values {
			redacted += t.quarantine(host, v)
		}
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		t.mirror(req, 0, redacted)
		return nil, err
	}

	// Response body: buffer the scanned prefix, then reattach.
	if resp.Body != nil {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxScanBytes))
		if readErr != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("read response body: %w", readErr)
		}
		redacted += t.quarantine(host, string(body))
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
	}

	t.mirror(req, resp.StatusCode, redacted)
	return resp, nil
}

// quarantine stores every detector hit in the vault and returns the count.
func (t *Transport) quarantine(host, content string) int {
	matches := t.Detector.Scan(content)
	for _, m := range matches {
		if err := t.Vault.Store(host, m.Pattern, m.Value); err != nil {
			slog.Error("vault store failed", "component", "proxy", "pattern", m.Pattern, "error", err)
		}
	}
	return len(matches)
}

func (t *Transport) mirror(req *http.Request, status, redacted int) {
	if t.Mirror == nil {
		return
	}
	t.Mirror(TrafficEntry{
		Timestamp: time.Now().UTC(),
		Method:    req.Method,
		URL:       sanitizeURL(req.URL.String()),
		Status:    status,
		Redacted:  redacted,
	})
}
