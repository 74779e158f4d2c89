package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/model"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/login" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding login body: %v", err)
		}
		if body["username"] != "ops" || body["password"] != "secret" {
			t.Errorf("credentials not forwarded: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-123",
			"username":   "ops",
			"role":       "operator",
			"expires_at": time.Now().Add(time.Hour),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	sess, err := c.Login(context.Background(), "ops", "secret")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if sess.Token != "tok-123" {
		t.Errorf("Token = %q, want tok-123", sess.Token)
	}
	if c.token != "tok-123" {
		t.Error("Login() should install the session token on the client")
	}
}

func TestSubmitSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] == "" {
			t.Error("text missing from submit body")
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(SubmitResult{
			IntentID: "01TEST",
			Status:   model.IntentApplied,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123")
	res, err := c.Submit(context.Background(), "cap the bandwidth to 5mbps for camera-01", "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if res.IntentID != "01TEST" || res.Status != model.IntentApplied {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestIntentsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "applied" || q.Get("limit") != "10" {
			t.Errorf("query not forwarded: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"intents": []*model.Intent{{ID: "01A"}, {ID: "01B"}},
			"count":   2,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	intents, err := c.Intents(context.Background(), IntentQuery{Status: "applied", Limit: 10})
	if err != nil {
		t.Fatalf("Intents() failed: %v", err)
	}
	if len(intents) != 2 || intents[0].ID != "01A" {
		t.Errorf("unexpected intents: %+v", intents)
	}
}

func TestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "not_found",
			"message": "intent 01MISSING: not found",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.Intent(context.Background(), "01MISSING")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Kind != "not_found" || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	err := c.Revoke(context.Background(), "01X")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Kind != "internal" || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if apiErr.Error() == "" {
		t.Error("Error() should format something without a message")
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(&APIError{StatusCode: http.StatusUnauthorized, Kind: "unauthorized"}) {
		t.Error("401 should be an auth error")
	}
	if IsAuthError(&APIError{StatusCode: http.StatusForbidden, Kind: "permission_denied"}) {
		t.Error("403 is not an auth error (re-login will not help)")
	}
	if IsAuthError(context.DeadlineExceeded) {
		t.Error("non-API errors are not auth errors")
	}
}

func TestHealthDecodesCriticalReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health.Report{
			Overall: health.StatusCritical,
			Components: map[string]health.Result{
				"store": {Component: "store", Status: health.StatusCritical, Message: "ping failed"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	report, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() should decode a 503 report: %v", err)
	}
	if report.Overall != health.StatusCritical {
		t.Errorf("Overall = %q, want critical", report.Overall)
	}
}

func TestRevokeHitsDeleteEndpoint(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"intent_id": "01A", "status": "superseded"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.Revoke(context.Background(), "01A"); err != nil {
		t.Fatalf("Revoke() failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v1/intents/01A" {
		t.Errorf("got %s %s, want DELETE /api/v1/intents/01A", gotMethod, gotPath)
	}
}
