package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// ============================================================================
// Auth
// ============================================================================

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "username and password are required")
		return
	}
	sess, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.auth.Revoke(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Intents
// ============================================================================

type submitRequest struct {
	Text      string `json:"text"`
	Submitter string `json:"submitter"`
}

type submitResponse struct {
	IntentID string             `json:"intent_id"`
	Status   model.IntentStatus `json:"status"`
	Warning  string             `json:"warning,omitempty"`
	Policies []*model.Policy    `json:"policies"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "text is required")
		return
	}
	submitter := req.Submitter
	if submitter == "" {
		if sess := sessionFrom(r.Context()); sess != nil {
			submitter = sess.Username
		}
	}

	in, policies, err := s.svc.Submit(r.Context(), req.Text, submitter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		IntentID: in.ID,
		Status:   in.Status,
		Warning:  in.Warning,
		Policies: policies,
	})
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", 50)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "limit must be an integer")
		return
	}
	f := store.IntentFilter{
		Status:    model.IntentStatus(q.Get("status")),
		Submitter: q.Get("submitter"),
		Limit:     limit,
	}
	intents, err := s.svc.ListIntents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intents": intents,
		"count":   len(intents),
	})
}

type intentDetail struct {
	Intent      *model.Intent                   `json:"intent"`
	Policies    []*model.Policy                 `json:"policies"`
	LastMetrics map[string][]model.MetricSample `json:"last_metrics,omitempty"`
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	in, policies, err := s.svc.GetIntent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	detail := intentDetail{Intent: in, Policies: policies}
	seen := make(map[string]bool)
	for _, p := range policies {
		if p.Plane != model.PlaneDevice || seen[p.Target] {
			continue
		}
		if len(seen) >= maxMetricTargets {
			break
		}
		seen[p.Target] = true
		samples, err := s.svc.LastSamples(p.Target, 5)
		if err != nil {
			s.log.WithField("device", p.Target).WithError(err).Debug("loading last samples failed")
			continue
		}
		if len(samples) > 0 {
			if detail.LastMetrics == nil {
				detail.LastMetrics = make(map[string][]model.MetricSample)
			}
			detail.LastMetrics[p.Target] = samples
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := ""
	if sess := sessionFrom(r.Context()); sess != nil {
		actor = sess.Username
	}
	if err := s.svc.RevokeIntent(r.Context(), id, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"intent_id": id,
		"status":    string(model.IntentSuperseded),
	})
}

// ============================================================================
// Policies, audit, health
// ============================================================================

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", 100)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "limit must be an integer")
		return
	}
	f := store.PolicyFilter{
		Plane:  model.Plane(q.Get("plane")),
		Status: model.PolicyStatus(q.Get("status")),
		Target: q.Get("target"),
		Limit:  limit,
	}
	policies, err := s.svc.ListPolicies(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", 100)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "parse_failure", "limit must be an integer")
		return
	}
	f := audit.Filter{
		Actor:       q.Get("actor"),
		Action:      q.Get("action"),
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		FailureOnly: q.Get("failures") == "true",
		Limit:       limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeErrorKind(w, http.StatusBadRequest, "parse_failure", "since must be RFC3339")
			return
		}
		f.Since = t
	}
	events, err := s.svc.AuditEvents(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health(r.Context())
	status := http.StatusOK
	if report.Overall == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ============================================================================
// Encoding helpers
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.WithComponent("api").WithError(err).Debug("encoding response failed")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorKind(w, statusFor(err), util.ErrorKind(err), err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes. Enforcement
// failures surface in policy statuses, not submission errors, so the
// gateway codes rarely appear here.
func statusFor(err error) int {
	switch util.ErrorKind(err) {
	case "parse_failure", "unknown_target", "compile_conflict", "config_invalid":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusUnauthorized
	case "permission_denied":
		return http.StatusForbidden
	case "store_unavailable":
		return http.StatusServiceUnavailable
	case "apply_timeout", "apply_rejected", "transport_unavailable", "metric_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
