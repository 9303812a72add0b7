package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// HTTP is a Client over a JSON HTTP backend.
//
// Endpoints:
//
//	GET  {base}/collections/{name}/records?scope=...&modified_since=...
//	POST {base}/collections/{name}/changes
//
// The changes endpoint answers 200 with {"outcome":"applied"} or
// {"outcome":"conflict","remote":{...}}. The server performs keyed
// upserts and treats delete-of-missing as applied, keeping Apply
// idempotent.
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTP creates an HTTP remote client. token may be empty; a zero
// timeout defaults to 30 seconds.
func NewHTTP(baseURL, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type applyRequest struct {
	RecordID  string         `json:"record_id"`
	Operation string         `json:"operation"`
	Snapshot  record.Payload `json:"snapshot,omitempty"`
	Schema    int            `json:"schema_version"`
	Scope     string         `json:"scope,omitempty"`
}

type applyResponse struct {
	Outcome string         `json:"outcome"`
	Remote  record.Payload `json:"remote,omitempty"`
}

// Fetch implements Client.
func (h *HTTP) Fetch(ctx context.Context, collection string, filter Filter) ([]*record.Record, error) {
	q := url.Values{}
	if filter.Scope != "" {
		q.Set("scope", filter.Scope)
	}
	if filter.ModifiedSince != nil {
		q.Set("modified_since", filter.ModifiedSince.UTC().Format(time.RFC3339Nano))
	}

	endpoint := fmt.Sprintf("%s/collections/%s/records", h.baseURL, url.PathEscape(collection))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build fetch request: %w", err))
	}
	h.setHeaders(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var rows []*record.Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, Transient(fmt.Errorf("failed to decode fetch response: %w", err))
	}
	return rows, nil
}

// Apply implements Client.
func (h *HTTP) Apply(ctx context.Context, collection string, change *record.PendingChange) (*ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		RecordID:  change.RecordID,
		Operation: string(change.Operation),
		Snapshot:  change.Snapshot,
		Schema:    change.Schema,
		Scope:     change.Scope,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode change: %w", err))
	}

	endpoint := fmt.Sprintf("%s/collections/%s/changes", h.baseURL, url.PathEscape(collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build apply request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	h.setHeaders(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var applied applyResponse
	if err := json.NewDecoder(resp.Body).Decode(&applied); err != nil {
		return nil, Transient(fmt.Errorf("failed to decode apply response: %w", err))
	}

	switch Outcome(applied.Outcome) {
	case OutcomeApplied:
		return &ApplyResult{Outcome: OutcomeApplied}, nil
	case OutcomeConflict:
		return &ApplyResult{Outcome: OutcomeConflict, Remote: applied.Remote}, nil
	default:
		return nil, Transient(fmt.Errorf("unknown apply outcome %q", applied.Outcome))
	}
}

func (h *HTTP) setHeaders(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}

// classifyStatus turns a non-2xx response into a transient or
// permanent error. Server trouble and throttling are retriable;
// everything else a 4xx says will not improve with retries.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("remote returned %s: %s", resp.Status, bytes.TrimSpace(msg))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout {
		return Transient(err)
	}
	return Permanent(err)
}
