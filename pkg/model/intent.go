// Package model defines the controller's domain types: intents submitted by
// operators, the policies compiled from them, and the metric samples the
// feedback loop consumes.
package model

import "time"

// IntentType identifies what kind of behavior an intent requests
type IntentType string

const (
	IntentPriority     IntentType = "priority"
	IntentBandwidth    IntentType = "bandwidth"
	IntentLatency      IntentType = "latency"
	IntentQoS          IntentType = "qos"
	IntentSampling     IntentType = "sampling"
	IntentAudioGain    IntentType = "audio_gain"
	IntentCameraConfig IntentType = "camera_config"
	IntentEnable       IntentType = "enable"
	IntentReset        IntentType = "reset"
	IntentPowerSaving  IntentType = "power_saving"
	IntentSecurity     IntentType = "security"
)

// IntentStatus tracks an intent through its lifecycle
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentCompiled   IntentStatus = "compiled"
	IntentApplied    IntentStatus = "applied"
	IntentSatisfied  IntentStatus = "satisfied"
	IntentViolated   IntentStatus = "violated"
	IntentSuperseded IntentStatus = "superseded"
	IntentFailed     IntentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s IntentStatus) Terminal() bool {
	return s == IntentSuperseded || s == IntentFailed
}

// CanTransition reports whether an intent may move from one status to
// another. The lifecycle is monotone except for the satisfied/violated
// oscillation driven by feedback.
func CanTransition(from, to IntentStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case IntentPending:
		return to == IntentCompiled || to == IntentFailed
	case IntentCompiled:
		return to == IntentApplied || to == IntentViolated || to == IntentFailed || to == IntentSuperseded
	case IntentApplied:
		return to == IntentSatisfied || to == IntentViolated || to == IntentSuperseded || to == IntentFailed
	case IntentSatisfied:
		return to == IntentViolated || to == IntentSuperseded || to == IntentFailed
	case IntentViolated:
		return to == IntentSatisfied || to == IntentSuperseded || to == IntentFailed
	default:
		return false
	}
}

// ParsedIntent is the structured form of one clause of intent text.
// Rule names the grammar rule that matched, so later stages can recover
// rule metadata such as the goal specification. Conjunctions holds sibling
// clauses when a single submission contained several directives joined by
// "and", "then" or ";".
type ParsedIntent struct {
	Type           IntentType     `json:"type"`
	Rule           string         `json:"rule,omitempty"`
	TargetSelector string         `json:"target_selector"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Conjunctions   []ParsedIntent `json:"conjunctions,omitempty"`
}

// Clauses returns the parsed clause and its siblings in declaration order
func (p ParsedIntent) Clauses() []ParsedIntent {
	out := make([]ParsedIntent, 0, 1+len(p.Conjunctions))
	head := p
	head.Conjunctions = nil
	out = append(out, head)
	out = append(out, p.Conjunctions...)
	return out
}

// WrapClauses folds an ordered clause list into one ParsedIntent with
// the remainder as conjunctions. Panics on empty input.
func WrapClauses(clauses []ParsedIntent) ParsedIntent {
	head := clauses[0]
	if len(clauses) > 1 {
		head.Conjunctions = append([]ParsedIntent(nil), clauses[1:]...)
	}
	return head
}

// GoalMetric names the observable a goal constrains
type GoalMetric string

const (
	GoalLatencyMS     GoalMetric = "latency_ms"
	GoalThroughputBPS GoalMetric = "throughput_bps"
	GoalBandwidthBPS  GoalMetric = "bandwidth_bps"
)

// GoalOp is the comparison direction of a goal
type GoalOp string

const (
	GoalLE GoalOp = "le"
	GoalGE GoalOp = "ge"
)

// GoalAggregate selects how samples in the window are reduced
type GoalAggregate string

const (
	AggMean GoalAggregate = "mean"
	AggP95  GoalAggregate = "p95"
	AggMax  GoalAggregate = "max"
)

// Goal is a measurable target extracted from an intent, evaluated by the
// feedback loop against live telemetry.
type Goal struct {
	Metric        GoalMetric    `json:"metric"`
	Op            GoalOp        `json:"op"`
	Value         float64       `json:"value"`
	Aggregate     GoalAggregate `json:"aggregate"`
	WindowSeconds int           `json:"window_seconds,omitempty"`
	DeviceID      string        `json:"device_id,omitempty"`
}

// Intent is one operator submission and its lifecycle state
type Intent struct {
	ID           string       `json:"id"`
	RawText      string       `json:"raw_text"`
	Parsed       ParsedIntent `json:"parsed"`
	Goal         *Goal        `json:"goal,omitempty"`
	Status       IntentStatus `json:"status"`
	Submitter    string       `json:"submitter"`
	ParentID     string       `json:"parent_id,omitempty"`
	SupersededBy string       `json:"superseded_by,omitempty"`
	Warning      string       `json:"warning,omitempty"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
