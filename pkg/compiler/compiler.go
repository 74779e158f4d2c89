// Package compiler lowers parsed intents into concrete enforceable
// policies. Lowering is deterministic: the same parsed intent against the
// same catalog snapshot always yields the same policy list in the same
// order, so retries and audits line up.
package compiler

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// Default goal evaluation window, twice the feedback period
const defaultGoalWindowSeconds = 30

// iptables chains owned by the controller. The data plane creates them at
// startup and hooks them from POSTROUTING and FORWARD respectively.
const (
	MangleChain = "SHAPEWIRE"
	FilterChain = "SHAPEWIRE-SEC"
)

// levelSpec describes the shared traffic class for one priority level.
// Minors below the device class range are reserved for these leaves.
type levelSpec struct {
	Minor      int
	HTBPrio    int
	FilterPrio int
	Rate       string
	Ceil       string
	Burst      string
	TOS        string
}

var priorityLevels = map[string]levelSpec{
	"high":   {Minor: 10, HTBPrio: 0, FilterPrio: 1, Rate: "100mbit", Ceil: "200mbit", Burst: "32k", TOS: "0x10"},
	"normal": {Minor: 20, HTBPrio: 5, FilterPrio: 2, Rate: "50mbit", Ceil: "100mbit", Burst: "15k", TOS: "0x00"},
	"low":    {Minor: 40, HTBPrio: 7, FilterPrio: 3, Rate: "10mbit", Ceil: "50mbit", Burst: "15k", TOS: "0x02"},
}

// levelOrder fixes the emission order when one intent spans levels
var levelOrder = []string{"high", "normal", "low"}

// Leaf class defaults when a device declares no bandwidth cap
const (
	defaultLeafRate  = "100mbit"
	defaultLeafBurst = "15k"
	defaultLeafPrio  = 5
)

// Compiler lowers parsed intents for one managed interface
type Compiler struct {
	iface string
}

// New creates a compiler for the given data-plane interface
func New(iface string) *Compiler {
	return &Compiler{iface: iface}
}

// Result is the outcome of compiling one submission
type Result struct {
	Policies []*model.Policy
	Goal     *model.Goal
	Warnings []string
}

// Compile lowers every clause of the parsed intent into policies, merges
// duplicates, rejects contradictions within the submission, and extracts
// the measurable goal if any clause declares one.
func (c *Compiler) Compile(snap *catalog.Snapshot, intentID string, parsed model.ParsedIntent) (*Result, error) {
	res := &Result{}
	byKey := make(map[string]int)

	add := func(p *model.Policy) error {
		idx, seen := byKey[p.Key]
		if !seen {
			byKey[p.Key] = len(res.Policies)
			res.Policies = append(res.Policies, p)
			return nil
		}

		prev := res.Policies[idx]
		// Competing latency bounds on one class take the minimum.
		if p.Kind == model.KindNetemDelay {
			prevDelay, _ := prev.Param("delay_ms")
			newDelay, _ := p.Param("delay_ms")
			if newDelay < prevDelay {
				p.Seq = prev.Seq
				res.Policies[idx] = p
			}
			return nil
		}
		if reflect.DeepEqual(prev.Parameters, p.Parameters) {
			return nil
		}
		return util.NewConflictError(p.Key,
			describe(prev), describe(p))
	}

	for _, clause := range parsed.Clauses() {
		devices, err := snap.ResolveTargets(clause.TargetSelector)
		if err != nil {
			return nil, err
		}

		var policies []*model.Policy
		switch clause.Type {
		case model.IntentPriority:
			policies, err = c.lowerPriority(intentID, clause, devices)
		case model.IntentBandwidth:
			policies, err = c.lowerBandwidth(snap, intentID, clause, devices)
		case model.IntentLatency:
			policies, err = c.lowerLatency(intentID, clause, devices)
		case model.IntentQoS:
			policies, err = c.lowerQoS(intentID, clause, devices)
		case model.IntentSampling:
			policies, err = c.lowerDeviceControl(intentID, clause, devices, catalog.CapSampling, "sampling",
				func(cl model.ParsedIntent) map[string]any {
					ms, _ := numParam(cl, "interval_ms")
					return map[string]any{"interval_ms": ms}
				})
		case model.IntentAudioGain:
			policies, err = c.lowerDeviceControl(intentID, clause, devices, catalog.CapAudioGain, "gain",
				func(cl model.ParsedIntent) map[string]any {
					g, _ := numParam(cl, "gain")
					return map[string]any{"gain": g}
				})
		case model.IntentCameraConfig:
			policies, err = c.lowerCameraConfig(intentID, clause, devices)
		case model.IntentEnable:
			policies, err = c.lowerDeviceControl(intentID, clause, devices, catalog.CapMQTT, "enabled",
				func(cl model.ParsedIntent) map[string]any {
					enabled, _ := cl.Parameters["enabled"].(bool)
					return map[string]any{"enabled": enabled}
				})
		case model.IntentReset:
			policies, err = c.lowerDeviceControl(intentID, clause, devices, catalog.CapMQTT, "reset",
				func(model.ParsedIntent) map[string]any { return map[string]any{} })
		case model.IntentPowerSaving:
			policies, err = c.lowerDeviceControl(intentID, clause, devices, catalog.CapMQTT, "power_mode",
				func(cl model.ParsedIntent) map[string]any {
					return map[string]any{"mode": stringParam(cl, "mode", "low_power")}
				})
		case model.IntentSecurity:
			policies, err = c.lowerSecurity(intentID, clause, devices)
		default:
			err = util.NewParseError("", fmt.Sprintf("no lowering for intent type %s", clause.Type))
		}
		if err != nil {
			return nil, err
		}

		for _, p := range policies {
			p.Seq = len(res.Policies)
			if err := add(p); err != nil {
				return nil, err
			}
		}

		if goal, err := c.extractGoal(snap, clause, devices); err != nil {
			return nil, err
		} else if goal != nil {
			if res.Goal == nil {
				res.Goal = goal
			} else {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("submission declares multiple goals; keeping %s, ignoring %s", res.Goal.Metric, goal.Metric))
			}
		}
	}

	for i, p := range res.Policies {
		p.Seq = i
	}
	return res, nil
}

func describe(p *model.Policy) string {
	return fmt.Sprintf("%s%v", p.Kind, p.Parameters)
}

// ============================================================================
// Data-plane lowering
// ============================================================================

func (c *Compiler) lowerPriority(intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	byLevel := make(map[string][]*catalog.Device)
	for _, d := range devices {
		level := stringParam(clause, "level", "")
		if level == "" {
			level = d.DefaultPriority
		}
		if _, known := priorityLevels[level]; !known {
			level = "normal"
		}
		byLevel[level] = append(byLevel[level], d)
	}

	var b util.ValidationBuilder
	var out []*model.Policy
	for _, level := range levelOrder {
		group := byLevel[level]
		if len(group) == 0 {
			continue
		}
		spec := priorityLevels[level]
		classid := fmt.Sprintf("1:%d", spec.Minor)

		// The shared leaf for this level is allocated before any mark
		// steers traffic into it.
		out = append(out, c.policy(intentID, model.PlaneData, model.KindHTBClass, c.dataTarget(classid), "", map[string]any{
			"iface":   c.iface,
			"classid": classid,
			"rate":    spec.Rate,
			"ceil":    spec.Ceil,
			"burst":   spec.Burst,
			"prio":    spec.HTBPrio,
			"level":   level,
		}))

		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for _, d := range group {
			if d.Address == "" {
				b.AddErrorf("device %s has no address for data-plane enforcement", d.ID)
				continue
			}
			out = append(out, c.policy(intentID, model.PlaneData, model.KindPriorityMark, c.dataTarget(d.ID), "", map[string]any{
				"device":  d.ID,
				"iface":   c.iface,
				"chain":   MangleChain,
				"address": d.Address,
				"mark":    spec.Minor,
				"classid": classid,
				"fprio":   spec.FilterPrio,
				"tos":     spec.TOS,
				"level":   level,
			}))
		}
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compiler) lowerBandwidth(snap *catalog.Snapshot, intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	rateStr := stringParam(clause, "rate", "")
	bytesPerSec, err := util.ParseRate(rateStr)
	if err != nil {
		return nil, util.NewParseError("", err.Error())
	}
	requestedBits := util.BytesToBits(bytesPerSec)

	// A cap clamps rate and ceil together; a floor guarantees the rate and
	// leaves ceil at the device cap (or double the floor) so bursts pass.
	floor := false
	if rule, ok := snap.RuleByName(clause.Rule); ok && rule.Goal != nil {
		floor = model.GoalOp(rule.Goal.Op) == model.GoalGE
	}

	var b util.ValidationBuilder
	var out []*model.Policy
	for _, d := range devices {
		if !d.HasCapability(catalog.CapBandwidthLimit) {
			b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapBandwidthLimit)
			continue
		}
		if d.Address == "" {
			b.AddErrorf("device %s has no address for data-plane enforcement", d.ID)
			continue
		}

		rate := util.FormatBitRate(requestedBits)
		ceil := rate
		if floor {
			ceilBits := requestedBits * 2
			if d.BandwidthCap != "" {
				if capBytes, err := util.ParseRate(d.BandwidthCap); err == nil {
					if capBits := util.BytesToBits(capBytes); capBits > requestedBits {
						ceilBits = capBits
					}
				}
			}
			ceil = util.FormatBitRate(ceilBits)
		}

		classid := fmt.Sprintf("1:%d", d.ClassMinor)
		out = append(out, c.policy(intentID, model.PlaneData, model.KindHTBClass, c.dataTarget(classid), "", map[string]any{
			"device":   d.ID,
			"iface":    c.iface,
			"classid":  classid,
			"rate":     rate,
			"ceil":     ceil,
			"burst":    defaultLeafBurst,
			"prio":     defaultLeafPrio,
			"address":  d.Address,
			"fprio":    d.ClassMinor,
			"rate_bps": requestedBits,
		}))
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compiler) lowerLatency(intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	delay, ok := numParam(clause, "delay_ms")
	if !ok {
		return nil, util.NewParseError("", "latency clause carries no delay_ms")
	}

	var b util.ValidationBuilder
	var out []*model.Policy
	for _, d := range devices {
		if d.Address == "" {
			b.AddErrorf("device %s has no address for data-plane enforcement", d.ID)
			continue
		}

		rate := defaultLeafRate
		if d.BandwidthCap != "" {
			if capBytes, err := util.ParseRate(d.BandwidthCap); err == nil {
				rate = util.FormatBitRate(util.BytesToBits(capBytes))
			}
		}

		classid := fmt.Sprintf("1:%d", d.ClassMinor)
		out = append(out, c.policy(intentID, model.PlaneData, model.KindNetemDelay, c.dataTarget(classid), "", map[string]any{
			"device":   d.ID,
			"iface":    c.iface,
			"classid":  classid,
			"handle":   netemHandle(d.ClassMinor),
			"delay_ms": delay,
			"rate":     rate,
			"ceil":     rate,
			"burst":    defaultLeafBurst,
			"prio":     defaultLeafPrio,
			"address":  d.Address,
			"fprio":    d.ClassMinor,
		}))
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compiler) lowerSecurity(intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	mode := stringParam(clause, "mode", "secure")

	var out []*model.Policy
	for _, d := range devices {
		out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "secure_mode", map[string]any{
			"device": d.ID,
			"class":  "secure_mode",
			"mode":   mode,
		}))
		if d.Address == "" {
			continue
		}
		// Secure mode also blocks plaintext MQTT from the device, forcing
		// the TLS listener.
		out = append(out, c.policy(intentID, model.PlaneData, model.KindIptablesRule, c.dataTarget("secure/"+d.ID), "", map[string]any{
			"device": d.ID,
			"table":  "filter",
			"chain":  FilterChain,
			"rule":   fmt.Sprintf("-s %s -p tcp --dport 1883 -j DROP", d.Address),
		}))
	}
	return out, nil
}

// ============================================================================
// Device-plane lowering
// ============================================================================

func (c *Compiler) lowerQoS(intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	qos, ok := numParam(clause, "qos")
	if !ok {
		return nil, util.NewParseError("", "qos clause carries no level")
	}

	var b util.ValidationBuilder
	var out []*model.Policy
	for _, d := range devices {
		if !d.HasCapability(catalog.CapMQTT) {
			b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapMQTT)
			continue
		}
		out = append(out, c.policy(intentID, model.PlaneDevice, model.KindMQTTQoS, d.ID, "", map[string]any{
			"device": d.ID,
			"qos":    int(qos),
		}))
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

// lowerDeviceControl emits one device_control policy per target with the
// given parameter class. build extracts the class parameters from the
// clause; the device id and class are added here.
func (c *Compiler) lowerDeviceControl(intentID string, clause model.ParsedIntent, devices []*catalog.Device,
	capability, class string, build func(model.ParsedIntent) map[string]any) ([]*model.Policy, error) {

	var b util.ValidationBuilder
	var out []*model.Policy
	for _, d := range devices {
		if capability != "" && !d.HasCapability(capability) {
			b.AddErrorf("device %s lacks capability %s", d.ID, capability)
			continue
		}
		params := build(clause)
		params["device"] = d.ID
		params["class"] = class
		out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, class, params))
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

// lowerCameraConfig emits one policy per configured camera setting so a
// later resolution change does not supersede an earlier quality change.
func (c *Compiler) lowerCameraConfig(intentID string, clause model.ParsedIntent, devices []*catalog.Device) ([]*model.Policy, error) {
	var b util.ValidationBuilder
	var out []*model.Policy
	for _, d := range devices {
		if res, ok := clause.Parameters["resolution"].(string); ok {
			if !d.HasCapability(catalog.CapResolution) {
				b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapResolution)
			} else {
				out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "resolution", map[string]any{
					"device": d.ID, "class": "resolution", "resolution": res,
				}))
			}
		}

		hasCamera := d.HasCapability(catalog.CapCamera)
		if q, ok := numParam(clause, "quality"); ok {
			if !hasCamera {
				b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapCamera)
			} else {
				out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "quality", map[string]any{
					"device": d.ID, "class": "quality", "quality": q,
				}))
			}
		}
		if v, ok := numParam(clause, "brightness"); ok {
			if !hasCamera {
				b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapCamera)
			} else {
				out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "brightness", map[string]any{
					"device": d.ID, "class": "brightness", "brightness": v,
				}))
			}
		}

		intervalMS, haveInterval := numParam(clause, "capture_interval_ms")
		if fps, ok := numParam(clause, "fps"); ok && !haveInterval {
			intervalMS = math.Max(minCameraIntervalMS, math.Round(1000/fps))
			haveInterval = true
		}
		if haveInterval {
			if !hasCamera {
				b.AddErrorf("device %s lacks capability %s", d.ID, catalog.CapCamera)
			} else {
				out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "capture_interval", map[string]any{
					"device": d.ID, "class": "capture_interval", "capture_interval_ms": intervalMS,
				}))
			}
		}

		if enabled, ok := clause.Parameters["enabled"].(bool); ok {
			out = append(out, c.policy(intentID, model.PlaneDevice, model.KindDeviceControl, d.ID, "enabled", map[string]any{
				"device": d.ID, "class": "enabled", "enabled": enabled,
			}))
		}
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

// Cameras cannot capture faster than ~30fps
const minCameraIntervalMS = 33

// ============================================================================
// Goal extraction
// ============================================================================

func (c *Compiler) extractGoal(snap *catalog.Snapshot, clause model.ParsedIntent, devices []*catalog.Device) (*model.Goal, error) {
	rule, ok := snap.RuleByName(clause.Rule)
	if !ok || rule.Goal == nil {
		return nil, nil
	}
	gs := rule.Goal

	var value float64
	switch v := clause.Parameters[gs.Param].(type) {
	case float64:
		value = v
	case int:
		value = float64(v)
	case string:
		bytesPerSec, err := util.ParseRate(v)
		if err != nil {
			return nil, util.NewParseError("", fmt.Sprintf("goal parameter %s: %v", gs.Param, err))
		}
		value = float64(util.BytesToBits(bytesPerSec))
	default:
		return nil, util.NewParseError("", fmt.Sprintf("goal parameter %s missing", gs.Param))
	}

	goal := &model.Goal{
		Metric:        model.GoalMetric(gs.Metric),
		Op:            model.GoalOp(gs.Op),
		Value:         value,
		Aggregate:     model.GoalAggregate(gs.Aggregate),
		WindowSeconds: defaultGoalWindowSeconds,
	}
	if goal.Aggregate == "" {
		goal.Aggregate = model.AggMean
	}
	if len(devices) == 1 {
		goal.DeviceID = devices[0].ID
	}
	return goal, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Compiler) policy(intentID string, plane model.Plane, kind model.PolicyKind, target, paramClass string, params map[string]any) *model.Policy {
	return &model.Policy{
		ID:         model.NewID(),
		IntentID:   intentID,
		Plane:      plane,
		Kind:       kind,
		Target:     target,
		Key:        model.ConflictKey(plane, target, kind, paramClass),
		Parameters: params,
		Status:     model.PolicyPending,
		CreatedAt:  time.Now(),
	}
}

// dataTarget scopes a data-plane target to the managed interface
func (c *Compiler) dataTarget(suffix string) string {
	return c.iface + "/" + suffix
}

// netemHandle derives the netem qdisc handle for a device class minor.
// The high bit keeps controller handles clear of anything an operator
// configured by hand.
func netemHandle(minor int) string {
	return fmt.Sprintf("%x:", 0x8000|minor)
}

func numParam(p model.ParsedIntent, name string) (float64, bool) {
	switch v := p.Parameters[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func stringParam(p model.ParsedIntent, name, fallback string) string {
	if v, ok := p.Parameters[name].(string); ok && v != "" {
		return v
	}
	return fallback
}
