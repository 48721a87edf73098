package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API service request model.
type Request struct {
	ID           string            `json:"id"`
	WorkflowType string            `json:"workflow_type"`
	CurrentRole  string            `json:"current_role"`
	Status       string            `json:"status"`
	ClientID     string            `json:"client_id,omitempty"`
	Priority     string            `json:"priority"`
	StateData    map[string]string `json:"state_data,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// AuditEntry represents one audit trail record.
type AuditEntry struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Action    string `json:"action"`
	FromRole  string `json:"from_role,omitempty"`
	ToRole    string `json:"to_role,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts"`
}

// Circuit represents one operation class breaker state.
type Circuit struct {
	Class string `json:"class"`
	State string `json:"state"`
}

// CreateRequestOptions are the optional fields of CreateRequest.
type CreateRequestOptions struct {
	OnBehalfOfClient bool
	ClientID         string
	Priority         string
	StateData        map[string]string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest opens a service request.
func (c *Client) CreateRequest(ctx context.Context, workflowType string, opts CreateRequestOptions) (Request, error) {
	body := map[string]any{
		"workflow_type": workflowType,
	}
	if opts.OnBehalfOfClient {
		body["on_behalf_of_client"] = true
	}
	if opts.ClientID != "" {
		body["client_id"] = opts.ClientID
	}
	if opts.Priority != "" {
		body["priority"] = opts.Priority
	}
	if len(opts.StateData) > 0 {
		body["state_data"] = opts.StateData
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/requests/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequests lists requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string) ([]Request, error) {
	endpoint := "v0/requests"
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a workflow action to a request.
func (c *Client) Transition(ctx context.Context, id, action string, payload map[string]string) (Request, error) {
	body := map[string]any{
		"action": action,
	}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/transitions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditTrail reads audit entries, optionally scoped to one request.
func (c *Client) AuditTrail(ctx context.Context, requestID string, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if requestID != "" {
		params.Set("request_id", requestID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Circuits lists circuit breaker states.
func (c *Client) Circuits(ctx context.Context) ([]Circuit, error) {
	var resp []Circuit
	err := c.do(ctx, http.MethodGet, "v0/circuits", nil, &resp)
	return resp, err
}

// ResetCircuit closes the breaker for an operation class.
func (c *Client) ResetCircuit(ctx context.Context, class string) (Circuit, error) {
	var resp Circuit
	endpoint := fmt.Sprintf("v0/circuits/%s/reset", url.PathEscape(class))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
