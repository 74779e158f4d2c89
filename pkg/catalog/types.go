// Package catalog loads and serves the controller's three configuration
// files: the device registry, the intent grammar, and the policy templates.
// A loaded catalog is published as an immutable snapshot; reload swaps the
// snapshot atomically so in-flight operations keep a consistent view.
package catalog

import (
	"regexp"
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
)

// ============================================================================
// Device Registry
// ============================================================================

// Device capability tokens
const (
	CapMQTT           = "mqtt"
	CapTelemetry      = "telemetry"
	CapBandwidthLimit = "bandwidth_limit"
	CapAudioGain      = "audio_gain"
	CapResolution     = "resolution"
	CapCamera         = "camera"
	CapSampling       = "sampling"
)

// Device kinds
const (
	KindSensor  = "sensor"
	KindCamera  = "camera"
	KindAudio   = "audio"
	KindGateway = "gateway"
	KindOther   = "other"
)

// Device describes one endpoint the controller may act upon. Devices are
// loaded from the registry file and never created by submissions.
// ClassMinor is the minor number of the device's traffic class on the
// managed interface; it may be pinned in the registry, otherwise the
// loader derives a stable one from the device id.
type Device struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Address         string   `json:"address,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	DefaultPriority string   `json:"default_priority,omitempty"` // low, normal, high
	DefaultQoS      int      `json:"default_qos"`
	BandwidthCap    string   `json:"bandwidth_cap,omitempty"`
	Capabilities    []string `json:"capabilities"`
	ControlTopic    string   `json:"control_topic"`
	TelemetryTopic  string   `json:"telemetry_topic"`
	StatusTopic     string   `json:"status_topic,omitempty"`
	MinSamplingMS   float64  `json:"min_sampling_ms,omitempty"`
	ClassMinor      int      `json:"class_minor,omitempty"`
}

// HasTag reports whether the device carries the given tag
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasCapability reports whether the device declares the given capability
func (d *Device) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// DeviceRegistryFile is the on-disk shape of devices.json
type DeviceRegistryFile struct {
	Version string    `json:"version,omitempty"`
	Devices []*Device `json:"devices"`
}

// ============================================================================
// Intent Grammar
// ============================================================================

// GoalSpec declares how a rule derives a measurable goal from its captured
// parameters. Param names the canonical parameter holding the goal value.
type GoalSpec struct {
	Metric    string `json:"metric"`    // latency_ms, throughput_bps, bandwidth_bps
	Op        string `json:"op"`        // le, ge
	Param     string `json:"param"`     // parameter carrying the target value
	Aggregate string `json:"aggregate"` // mean, p95, max
}

// RuleSpec is the on-disk shape of one grammar rule. Pattern is a regular
// expression with named capture groups; Params maps canonical parameter
// names to capture group names. Rules are tried in file order and the first
// rule matching the whole clause wins.
type RuleSpec struct {
	Name          string            `json:"name"`
	Pattern       string            `json:"pattern"`
	Type          string            `json:"type"`
	Params        map[string]string `json:"params,omitempty"`
	TargetGroup   string            `json:"target_group,omitempty"`
	DefaultTarget string            `json:"default_target,omitempty"`
	Defaults      map[string]any    `json:"defaults,omitempty"`
	Goal          *GoalSpec         `json:"goal,omitempty"`
}

// GrammarFile is the on-disk shape of grammar.json
type GrammarFile struct {
	Version string      `json:"version,omitempty"`
	Rules   []*RuleSpec `json:"rules"`
}

// Rule is a compiled grammar rule
type Rule struct {
	Name          string
	Pattern       *regexp.Regexp
	Type          model.IntentType
	Params        map[string]string
	TargetGroup   string
	DefaultTarget string
	Defaults      map[string]any
	Goal          *GoalSpec
}

// ============================================================================
// Policy Templates
// ============================================================================

// Template is a parameterized directive skeleton for one policy kind.
// Data-plane templates carry apply and rollback command skeletons with
// ${param} holes; device-plane templates carry the wire command verb.
type Template struct {
	Params   []string `json:"params"`
	Commands []string `json:"commands,omitempty"`
	Rollback []string `json:"rollback,omitempty"`
	Command  string   `json:"command,omitempty"`
}

// TemplatesFile is the on-disk shape of templates.json
type TemplatesFile struct {
	Version   string              `json:"version,omitempty"`
	Templates map[string]Template `json:"templates"`
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is one immutable, validated view of the catalog. Readers hold a
// snapshot for the duration of one operation; reload publishes a new one.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	devices   map[string]*Device
	deviceIDs []string // sorted
	rules     []Rule
	templates map[string]Template
}
