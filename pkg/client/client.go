// Package client is a typed HTTP client for the shapewired controller
// API. The shapewire CLI is its only consumer today, but it is kept
// free of terminal concerns so scripts can embed it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/auth"
	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/model"
)

const requestTimeout = 30 * time.Second

// Client talks to a shapewired controller.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a client for the controller at baseURL. The token may be
// empty for login and health calls.
func New(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

// SetToken swaps the bearer token after a login.
func (c *Client) SetToken(token string) { c.token = token }

// APIError is a non-2xx response decoded from the controller's error
// body. Kind carries the controller's error taxonomy (parse_failure,
// not_found, unauthorized, ...).
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.StatusCode)
}

// IsAuthError reports whether err is an APIError for a missing or
// expired session. The CLI uses it to suggest a fresh login.
func IsAuthError(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusUnauthorized
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a session and installs its token on
// the client.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Session, error) {
	body := map[string]string{"username": username, "password": password}
	var sess auth.Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &sess); err != nil {
		return nil, err
	}
	c.token = sess.Token
	return &sess, nil
}

// Logout revokes the current session token.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil, nil)
}

// ============================================================================
// Intents
// ============================================================================

// SubmitResult is the controller's answer to an intent submission.
type SubmitResult struct {
	IntentID string             `json:"intent_id"`
	Status   model.IntentStatus `json:"status"`
	Warning  string             `json:"warning,omitempty"`
	Policies []*model.Policy    `json:"policies"`
}

// Submit sends an intent sentence. Submitter may be empty; the
// controller then records the session user.
func (c *Client) Submit(ctx context.Context, text, submitter string) (*SubmitResult, error) {
	body := map[string]string{"text": text, "submitter": submitter}
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/intents", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IntentQuery filters intent listings.
type IntentQuery struct {
	Status    string
	Submitter string
	Limit     int
}

// Intents lists intents matching the query, newest first.
func (c *Client) Intents(ctx context.Context, q IntentQuery) ([]*model.Intent, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Submitter != "" {
		v.Set("submitter", q.Submitter)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var res struct {
		Intents []*model.Intent `json:"intents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/intents", v, nil, &res); err != nil {
		return nil, err
	}
	return res.Intents, nil
}

// IntentDetail is one intent with its policies and, for device
// targets, the last few telemetry samples.
type IntentDetail struct {
	Intent      *model.Intent                   `json:"intent"`
	Policies    []*model.Policy                 `json:"policies"`
	LastMetrics map[string][]model.MetricSample `json:"last_metrics,omitempty"`
}

// Intent fetches one intent by ID.
func (c *Client) Intent(ctx context.Context, id string) (*IntentDetail, error) {
	var res IntentDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/intents/"+url.PathEscape(id), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Revoke retires an intent and rolls back its enforcement.
func (c *Client) Revoke(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/intents/"+url.PathEscape(id), nil, nil, nil)
}

// ============================================================================
// Policies, audit, health
// ============================================================================

// PolicyQuery filters policy listings.
type PolicyQuery struct {
	Plane  string
	Status string
	Target string
	Limit  int
}

// Policies lists compiled policies matching the query.
func (c *Client) Policies(ctx context.Context, q PolicyQuery) ([]*model.Policy, error) {
	v := url.Values{}
	if q.Plane != "" {
		v.Set("plane", q.Plane)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Target != "" {
		v.Set("target", q.Target)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var res struct {
		Policies []*model.Policy `json:"policies"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/policies", v, nil, &res); err != nil {
		return nil, err
	}
	return res.Policies, nil
}

// AuditQuery filters the audit trail.
type AuditQuery struct {
	Actor       string
	Action      string
	EntityID    string
	FailureOnly bool
	Since       time.Time
	Limit       int
}

// Audit lists audit events, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]*audit.Event, error) {
	v := url.Values{}
	if q.Actor != "" {
		v.Set("actor", q.Actor)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if q.EntityID != "" {
		v.Set("entity_id", q.EntityID)
	}
	if q.FailureOnly {
		v.Set("failures", "true")
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var res struct {
		Events []*audit.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit", v, nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Health fetches the controller health report. A critical controller
// answers 503 with a full report, so that status still decodes rather
// than erroring.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(resp)
	}
	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding health report: %w", err)
	}
	return &report, nil
}

// ============================================================================
// Transport plumbing
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "internal"}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Message = body.Message
	}
	return apiErr
}
