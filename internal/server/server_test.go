package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/server"
)

const testSecret = "test-secret"

type testAPI struct {
	Handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default("test-org"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testAPI{Handler: h}
}

func mintToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(context.Background())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type requestBody struct {
	ID           string            `json:"id"`
	WorkflowType string            `json:"workflow_type"`
	CurrentRole  string            `json:"current_role"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	StateData    map[string]string `json:"state_data"`
	Version      int64             `json:"version"`
}

func TestHealthRequiresNoAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/v0/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/v0/requests", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// garbage bearer token
	rec = api.do(t, http.MethodGet, "/v0/requests", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode[errorEnvelope](t, rec).Error.Code != "invalid_credentials" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCreateAndTransitionRoundtrip(t *testing.T) {
	api := newTestAPI(t)
	token := mintToken(t, "u-mgr", "manager")

	rec := api.do(t, http.MethodPost, "/v0/requests", token, map[string]any{
		"workflow_type": "connection_request",
		"priority":      "high",
		"state_data":    map[string]string{"address": "12 Main St"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[requestBody](t, rec)
	if created.CurrentRole != "manager" || created.Status != "open" || created.Priority != "high" {
		t.Fatalf("created = %+v", created)
	}

	rec = api.do(t, http.MethodPost, "/v0/requests/"+created.ID+"/transitions", token, map[string]any{
		"action": "advance",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", rec.Code, rec.Body.String())
	}
	moved := decode[requestBody](t, rec)
	if moved.CurrentRole != "junior_manager" || moved.Status != "in_progress" || moved.Version != 2 {
		t.Fatalf("moved = %+v", moved)
	}

	rec = api.do(t, http.MethodGet, "/v0/requests/"+created.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode[requestBody](t, rec); got.Version != 2 {
		t.Fatalf("got = %+v", got)
	}

	rec = api.do(t, http.MethodGet, "/v0/requests?status=in_progress", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if items := decode[[]requestBody](t, rec); len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
}

func TestForbiddenRoleGetsEnvelope(t *testing.T) {
	api := newTestAPI(t)
	token := mintToken(t, "u-acc", "accountant")

	rec := api.do(t, http.MethodPost, "/v0/requests", token, map[string]any{
		"workflow_type": "connection_request",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if env.Error.Details["reason"] != "no_matching_grant" {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestTransitionErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	manager := mintToken(t, "u-mgr", "manager")

	rec := api.do(t, http.MethodPost, "/v0/requests/missing/transitions", manager, map[string]any{"action": "advance"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("not found status = %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/v0/requests", manager, map[string]any{"workflow_type": "connection_request"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	created := decode[requestBody](t, rec)

	// the first stage has no return transition
	rec = api.do(t, http.MethodPost, "/v0/requests/"+created.ID+"/transitions", manager, map[string]any{"action": "return"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid action status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decode[errorEnvelope](t, rec).Error.Code != "invalid_action" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/v0/requests/"+created.ID+"/transitions", manager, map[string]any{"action": "cancel"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	rec = api.do(t, http.MethodPost, "/v0/requests/"+created.ID+"/transitions", manager, map[string]any{"action": "cancel"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal status = %d", rec.Code)
	}
	if decode[errorEnvelope](t, rec).Error.Code != "terminal" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAuditEndpointGated(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/v0/audit", mintToken(t, "u-tech", "technician"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("technician status = %d", rec.Code)
	}

	manager := mintToken(t, "u-mgr", "manager")
	api.do(t, http.MethodPost, "/v0/requests", manager, map[string]any{"workflow_type": "connection_request"})

	rec = api.do(t, http.MethodGet, "/v0/audit", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager status = %d, body %s", rec.Code, rec.Body.String())
	}
	entries := decode[[]map[string]any](t, rec)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}

	rec = api.do(t, http.MethodGet, "/v0/audit?from=yesterday", manager, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad bound status = %d", rec.Code)
	}
}

func TestCircuitEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := mintToken(t, "u-admin", "admin")
	manager := mintToken(t, "u-mgr", "manager")

	// configured classes are listed even before any operation ran
	rec := api.do(t, http.MethodGet, "/v0/circuits", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	circuits := decode[[]map[string]string](t, rec)
	found := false
	for _, c := range circuits {
		if c["class"] == "persistence-write" && c["state"] == "closed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("circuits = %v", circuits)
	}

	rec = api.do(t, http.MethodPost, "/v0/circuits/persistence-write/reset", manager, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("manager reset status = %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/v0/circuits/persistence-write/reset", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin reset status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/v0/circuits/unknown-class/reset", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown class status = %d", rec.Code)
	}
}

func TestReadEndpointsRequireViewGrant(t *testing.T) {
	api := newTestAPI(t)
	operator := mintToken(t, "u-ops", "call_center_operator")
	warehouse := mintToken(t, "u-wh", "warehouse")

	rec := api.do(t, http.MethodPost, "/v0/requests", operator, map[string]any{
		"workflow_type": "technical_service",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[requestBody](t, rec)

	// warehouse has no view grant on technical_service
	rec = api.do(t, http.MethodGet, "/v0/requests/"+created.ID, warehouse, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("get status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decode[errorEnvelope](t, rec).Error.Code != "forbidden" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/v0/requests?workflow_type=technical_service", warehouse, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("filtered list status = %d", rec.Code)
	}

	// an unfiltered list hides the types the role may not view
	rec = api.do(t, http.MethodGet, "/v0/requests", warehouse, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if items := decode[[]requestBody](t, rec); len(items) != 0 {
		t.Fatalf("items = %+v", items)
	}

	rec = api.do(t, http.MethodGet, "/v0/requests/"+created.ID, operator, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("operator get status = %d", rec.Code)
	}
}

func TestAPIKeyAuthFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := mintToken(t, "u-admin", "admin")

	rec := api.do(t, http.MethodPost, "/v0/apikeys", admin, map[string]any{
		"actor_id":   "svc-bot",
		"actor_role": "controller",
		"name":       "ci bot",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]string](t, rec)
	if created["key"] == "" {
		t.Fatal("secret must be returned on create")
	}

	// machine caller authenticates with the key header
	req := httptest.NewRequest(http.MethodGet, "/v0/requests", nil)
	req.Header.Set("X-Api-Key", created["key"])
	rec2 := httptest.NewRecorder()
	api.Handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("api key auth status = %d, body %s", rec2.Code, rec2.Body.String())
	}

	// listing never exposes the secret again
	rec = api.do(t, http.MethodGet, "/v0/apikeys", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys status = %d", rec.Code)
	}
	keys := decode[[]map[string]string](t, rec)
	if len(keys) != 1 || keys[0]["key"] != "" {
		t.Fatalf("keys = %v", keys)
	}

	// non-admin roles may not manage keys
	rec = api.do(t, http.MethodPost, "/v0/apikeys", mintToken(t, "u-mgr", "manager"), map[string]any{
		"actor_id": "x", "actor_role": "manager",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("manager create key status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/requests", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec2 = httptest.NewRecorder()
	api.Handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec2.Code)
	}
}
