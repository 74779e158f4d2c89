// Package audit provides an append-only trail of every state transition
// the controller makes: submissions, status changes, supersedes,
// corrective intents and operator actions.
package audit

import (
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
)

// Event is one auditable controller action
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Actions recorded by the controller
const (
	ActionSubmit          = "intent_submitted"
	ActionTransition      = "intent_transition"
	ActionPolicyApply     = "policy_apply"
	ActionPolicyRollback  = "policy_rollback"
	ActionPolicyRedeliver = "policy_redeliver"
	ActionSupersede       = "supersede"
	ActionRevoke          = "intent_revoked"
	ActionCorrective      = "corrective_intent"
	ActionHysteresisBlock = "hysteresis_block"
	ActionReconcile       = "reconcile"
	ActionCatalogReload   = "catalog_reload"
	ActionLogin           = "login"
	ActionUserChange      = "user_change"
)

// Entity types referenced by events
const (
	EntityIntent  = "intent"
	EntityPolicy  = "policy"
	EntityUser    = "user"
	EntityCatalog = "catalog"
	EntitySystem  = "system"
)

// Well-known actors for controller-initiated actions
const (
	ActorSystem   = "system"
	ActorFeedback = "feedback"
)

// Filter defines criteria for querying audit events
type Filter struct {
	Actor       string
	Action      string
	EntityType  string
	EntityID    string
	Since       time.Time
	Until       time.Time
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an audit event. Events default to successful; use
// WithError for failures.
func NewEvent(actor, action, entityType, entityID string) *Event {
	return &Event{
		ID:         model.NewID(),
		Timestamp:  time.Now(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Success:    true,
	}
}

// WithTransition records a status transition
func (e *Event) WithTransition(from, to string) *Event {
	e.From = from
	e.To = to
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets how long the action took
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithDetail attaches one key of structured context
func (e *Event) WithDetail(key string, value any) *Event {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Matches reports whether the event passes the filter
func (e *Event) Matches(f Filter) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.FailureOnly && e.Success {
		return false
	}
	return true
}
