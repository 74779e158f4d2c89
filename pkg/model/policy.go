package model

import (
	"fmt"
	"time"
)

// Plane is the enforcement surface a policy targets
type Plane string

const (
	PlaneData   Plane = "data_plane"
	PlaneDevice Plane = "device"
)

// PolicyKind identifies the concrete directive a policy carries
type PolicyKind string

const (
	KindHTBClass      PolicyKind = "htb_class"
	KindNetemDelay    PolicyKind = "netem_delay"
	KindPriorityMark  PolicyKind = "priority_mark"
	KindIptablesRule  PolicyKind = "iptables_rule"
	KindDeviceControl PolicyKind = "device_control"
	KindMQTTQoS       PolicyKind = "mqtt_qos"
)

// PolicyStatus tracks a policy through enforcement
type PolicyStatus string

const (
	PolicyPending         PolicyStatus = "pending"
	PolicyPendingDelivery PolicyStatus = "pending_delivery"
	PolicyApplied         PolicyStatus = "applied"
	PolicyFailed          PolicyStatus = "failed"
	PolicyRolledBack      PolicyStatus = "rolled_back"
	PolicySuperseded      PolicyStatus = "superseded"
)

// Policy is a single enforceable directive owned by exactly one intent.
// Target is interface:classid for the data plane and the device id for the
// device plane. Key is the supersession key: at most one policy may be
// applied per key at any time.
type Policy struct {
	ID         string         `json:"id"`
	IntentID   string         `json:"intent_id"`
	Plane      Plane          `json:"plane"`
	Kind       PolicyKind     `json:"kind"`
	Target     string         `json:"target"`
	Key        string         `json:"key"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     PolicyStatus   `json:"status"`
	Seq        int            `json:"seq"`
	AppliedAt  *time.Time     `json:"applied_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ConflictKey builds the supersession key for a plane/target/kind triple.
// Device-control policies carry an extra parameter class so that, say, a
// resolution change does not supersede a gain change on the same device.
func ConflictKey(plane Plane, target string, kind PolicyKind, paramClass string) string {
	if paramClass == "" {
		return fmt.Sprintf("%s/%s/%s", plane, target, kind)
	}
	return fmt.Sprintf("%s/%s/%s/%s", plane, target, kind, paramClass)
}

// Param returns a float64 parameter, tolerating the integer widening that
// JSON round-trips introduce.
func (p *Policy) Param(name string) (float64, bool) {
	v, ok := p.Parameters[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// StringParam returns a string parameter
func (p *Policy) StringParam(name string) (string, bool) {
	v, ok := p.Parameters[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
