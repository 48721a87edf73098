package caselinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := New(ts.URL)
	c.BearerToken = "token"
	return c
}

func TestCreateRequest(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/requests" {
			t.Fatalf("%s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["workflow_type"] != "connection_request" || body["client_id"] != "client-9" {
			t.Fatalf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Request{ID: "req-1", WorkflowType: "connection_request", CurrentRole: "manager", Status: "open", Version: 1})
	})

	req, err := c.CreateRequest(context.Background(), "connection_request", CreateRequestOptions{
		OnBehalfOfClient: true,
		ClientID:         "client-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != "req-1" || req.CurrentRole != "manager" {
		t.Fatalf("req = %+v", req)
	}
}

func TestTransitionAndQuery(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/requests/req-1/transitions":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["action"] != "advance" {
				t.Fatalf("body = %v", body)
			}
			json.NewEncoder(w).Encode(Request{ID: "req-1", CurrentRole: "junior_manager", Status: "in_progress", Version: 2})
		case "/v0/requests":
			if r.URL.Query().Get("status") != "in_progress" {
				t.Fatalf("query = %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode([]Request{{ID: "req-1"}})
		case "/v0/audit":
			if r.URL.Query().Get("request_id") != "req-1" || r.URL.Query().Get("limit") != "10" {
				t.Fatalf("query = %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode([]AuditEntry{{RequestID: "req-1", Action: "advance", Outcome: "granted"}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	moved, err := c.Transition(context.Background(), "req-1", "advance", nil)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Version != 2 {
		t.Fatalf("moved = %+v", moved)
	}

	items, err := c.ListRequests(context.Background(), "in_progress")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}

	trail, err := c.AuditTrail(context.Background(), "req-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].Outcome != "granted" {
		t.Fatalf("trail = %+v", trail)
	}
}

func TestAPIKeyHeader(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "sk-123" {
			t.Fatalf("x-api-key = %q", got)
		}
		json.NewEncoder(w).Encode([]Circuit{{Class: "persistence-write", State: "closed"}})
	})
	c.BearerToken = ""
	c.APIKey = "sk-123"

	circuits, err := c.Circuits(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(circuits) != 1 || circuits[0].State != "closed" {
		t.Fatalf("circuits = %+v", circuits)
	}
}

func TestAPIError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"forbidden","message":"no_matching_grant"}}`))
	})

	_, err := c.GetRequest(context.Background(), "req-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}
