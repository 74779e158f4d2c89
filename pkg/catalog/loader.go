package catalog

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// CatalogDir is the default catalog directory
var CatalogDir = "/etc/shapewire"

// File names within the catalog directory
const (
	DevicesFileName   = "devices.json"
	GrammarFileName   = "grammar.json"
	TemplatesFileName = "templates.json"
)

// knownParams lists the canonical parameter names each intent type accepts.
// A grammar rule naming anything else fails validation.
var knownParams = map[model.IntentType][]string{
	model.IntentPriority:     {"level"},
	model.IntentBandwidth:    {"rate"},
	model.IntentLatency:      {"delay_ms"},
	model.IntentQoS:          {"qos", "reliable", "retain"},
	model.IntentSampling:     {"interval_ms"},
	model.IntentAudioGain:    {"gain"},
	model.IntentCameraConfig: {"resolution", "quality", "brightness", "fps", "capture_interval_ms", "enabled"},
	model.IntentEnable:       {"enabled"},
	model.IntentReset:        {},
	model.IntentPowerSaving:  {"mode"},
	model.IntentSecurity:     {"mode"},
}

var templateHole = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Loader reads and validates the three catalog files from a directory
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given catalog directory
func NewLoader(dir string) *Loader {
	if dir == "" {
		dir = CatalogDir
	}
	return &Loader{dir: dir}
}

// Dir returns the catalog directory
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads, validates and compiles all three files into a snapshot.
// Nothing is published on error.
func (l *Loader) Load() (*Snapshot, error) {
	devices, err := l.loadDevices()
	if err != nil {
		return nil, fmt.Errorf("loading device registry: %w", err)
	}

	rules, err := l.loadGrammar()
	if err != nil {
		return nil, fmt.Errorf("loading grammar: %w", err)
	}

	templates, err := l.loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Snapshot{
		LoadedAt:  time.Now(),
		devices:   devices,
		deviceIDs: ids,
		rules:     rules,
		templates: templates,
	}, nil
}

func (l *Loader) loadDevices() (map[string]*Device, error) {
	path := filepath.Join(l.dir, DevicesFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file DeviceRegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, util.NewConfigError(DevicesFileName, err.Error())
	}

	devices := make(map[string]*Device, len(file.Devices))
	controlTopics := make(map[string]string)
	telemetryTopics := make(map[string]string)

	for i, d := range file.Devices {
		var b util.ValidationBuilder
		b.Add(d.ID != "", fmt.Sprintf("device %d: id required", i))
		b.Add(d.Kind != "", fmt.Sprintf("device %s: kind required", d.ID))
		b.Add(d.ControlTopic != "", fmt.Sprintf("device %s: control_topic required", d.ID))
		b.Add(d.TelemetryTopic != "", fmt.Sprintf("device %s: telemetry_topic required", d.ID))
		b.Add(d.DefaultQoS >= 0 && d.DefaultQoS <= 2, fmt.Sprintf("device %s: default_qos must be 0, 1 or 2", d.ID))
		if err := b.Build(); err != nil {
			return nil, util.NewConfigError(DevicesFileName, err.Error())
		}

		if _, dup := devices[d.ID]; dup {
			return nil, util.NewConfigError(DevicesFileName, fmt.Sprintf("duplicate device id %q", d.ID))
		}
		if owner, dup := controlTopics[d.ControlTopic]; dup {
			return nil, util.NewConfigError(DevicesFileName, fmt.Sprintf("control topic %q shared by %s and %s", d.ControlTopic, owner, d.ID))
		}
		if owner, dup := telemetryTopics[d.TelemetryTopic]; dup {
			return nil, util.NewConfigError(DevicesFileName, fmt.Sprintf("telemetry topic %q shared by %s and %s", d.TelemetryTopic, owner, d.ID))
		}
		if d.Address != "" && !util.IsValidAddress(d.Address) {
			return nil, util.NewConfigError(DevicesFileName, fmt.Sprintf("device %s: address %q is not a valid IPv4 address or CIDR", d.ID, d.Address))
		}
		if d.BandwidthCap != "" {
			if _, err := util.ParseRate(d.BandwidthCap); err != nil {
				return nil, util.NewConfigError(DevicesFileName, fmt.Sprintf("device %s: bandwidth_cap: %v", d.ID, err))
			}
		}
		if d.MinSamplingMS == 0 {
			d.MinSamplingMS = 100
		}

		controlTopics[d.ControlTopic] = d.ID
		telemetryTopics[d.TelemetryTopic] = d.ID
		devices[d.ID] = d
	}

	if len(devices) == 0 {
		return nil, util.NewConfigError(DevicesFileName, "registry declares no devices")
	}
	if err := assignClassMinors(devices); err != nil {
		return nil, util.NewConfigError(DevicesFileName, err.Error())
	}
	return devices, nil
}

// Traffic class minors owned by the controller on the managed interface.
// Minors below the floor are reserved for the shared priority leaves.
const (
	ClassMinorFloor = 100
	ClassMinorCeil  = 7999
)

// assignClassMinors gives every device a traffic class minor. Pinned minors
// are validated first; the rest are derived from an FNV hash of the device
// id with linear probing, processed in sorted id order so the assignment is
// deterministic for a given registry.
func assignClassMinors(devices map[string]*Device) error {
	span := ClassMinorCeil - ClassMinorFloor + 1

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	used := make(map[int]string, len(devices))
	for _, id := range ids {
		d := devices[id]
		if d.ClassMinor == 0 {
			continue
		}
		if d.ClassMinor < ClassMinorFloor || d.ClassMinor > ClassMinorCeil {
			return fmt.Errorf("device %s: class_minor %d outside %d..%d", id, d.ClassMinor, ClassMinorFloor, ClassMinorCeil)
		}
		if owner, dup := used[d.ClassMinor]; dup {
			return fmt.Errorf("class_minor %d pinned by both %s and %s", d.ClassMinor, owner, id)
		}
		used[d.ClassMinor] = id
	}

	for _, id := range ids {
		d := devices[id]
		if d.ClassMinor != 0 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(id))
		minor := ClassMinorFloor + int(h.Sum32())%span
		for taken := 0; ; taken++ {
			if taken > span {
				return fmt.Errorf("no free class minor for device %s", id)
			}
			if _, ok := used[minor]; !ok {
				break
			}
			minor++
			if minor > ClassMinorCeil {
				minor = ClassMinorFloor
			}
		}
		used[minor] = id
		d.ClassMinor = minor
	}
	return nil
}

func (l *Loader) loadGrammar() ([]Rule, error) {
	path := filepath.Join(l.dir, GrammarFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file GrammarFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, util.NewConfigError(GrammarFileName, err.Error())
	}
	if len(file.Rules) == 0 {
		return nil, util.NewConfigError(GrammarFileName, "grammar declares no rules")
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, rs := range file.Rules {
		if rs.Name == "" {
			rs.Name = fmt.Sprintf("rule-%d", i)
		}
		compiled, err := compileRule(rs)
		if err != nil {
			return nil, util.NewConfigError(GrammarFileName, fmt.Sprintf("rule %s: %v", rs.Name, err))
		}
		rules = append(rules, compiled)
	}
	return rules, nil
}

func compileRule(rs *RuleSpec) (Rule, error) {
	itype := model.IntentType(rs.Type)
	allowed, ok := knownParams[itype]
	if !ok {
		return Rule{}, fmt.Errorf("unknown intent type %q", rs.Type)
	}

	pattern := rs.Pattern
	if pattern == "" {
		return Rule{}, fmt.Errorf("pattern required")
	}
	// Rules match whole clauses only.
	if pattern[0] != '^' {
		pattern = "^" + pattern
	}
	if pattern[len(pattern)-1] != '$' {
		pattern = pattern + "$"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("bad pattern: %v", err)
	}

	groups := make(map[string]bool)
	for _, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = true
		}
	}

	isAllowed := func(param string) bool {
		for _, a := range allowed {
			if a == param {
				return true
			}
		}
		return false
	}

	for param, group := range rs.Params {
		if !isAllowed(param) {
			return Rule{}, fmt.Errorf("references unknown parameter %q for type %s", param, rs.Type)
		}
		if !groups[group] {
			return Rule{}, fmt.Errorf("parameter %q names missing capture group %q", param, group)
		}
	}
	for param := range rs.Defaults {
		if !isAllowed(param) {
			return Rule{}, fmt.Errorf("default references unknown parameter %q for type %s", param, rs.Type)
		}
	}

	if rs.TargetGroup != "" && !groups[rs.TargetGroup] {
		return Rule{}, fmt.Errorf("target_group %q not captured by pattern", rs.TargetGroup)
	}
	if rs.TargetGroup == "" && rs.DefaultTarget == "" {
		return Rule{}, fmt.Errorf("rule needs a target_group or default_target")
	}

	if g := rs.Goal; g != nil {
		if _, inParams := rs.Params[g.Param]; !inParams {
			if _, inDefaults := rs.Defaults[g.Param]; !inDefaults {
				return Rule{}, fmt.Errorf("goal references unknown parameter %q", g.Param)
			}
		}
		switch model.GoalMetric(g.Metric) {
		case model.GoalLatencyMS, model.GoalThroughputBPS, model.GoalBandwidthBPS:
		default:
			return Rule{}, fmt.Errorf("goal references unknown metric %q", g.Metric)
		}
		switch model.GoalOp(g.Op) {
		case model.GoalLE, model.GoalGE:
		default:
			return Rule{}, fmt.Errorf("goal op must be le or ge, got %q", g.Op)
		}
	}

	return Rule{
		Name:          rs.Name,
		Pattern:       re,
		Type:          itype,
		Params:        rs.Params,
		TargetGroup:   rs.TargetGroup,
		DefaultTarget: rs.DefaultTarget,
		Defaults:      rs.Defaults,
		Goal:          rs.Goal,
	}, nil
}

func (l *Loader) loadTemplates() (map[string]Template, error) {
	path := filepath.Join(l.dir, TemplatesFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file TemplatesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, util.NewConfigError(TemplatesFileName, err.Error())
	}
	if len(file.Templates) == 0 {
		return nil, util.NewConfigError(TemplatesFileName, "no templates declared")
	}

	for key, tpl := range file.Templates {
		declared := make(map[string]bool, len(tpl.Params))
		for _, p := range tpl.Params {
			declared[p] = true
		}
		for _, cmd := range append(append([]string{}, tpl.Commands...), tpl.Rollback...) {
			for _, m := range templateHole.FindAllStringSubmatch(cmd, -1) {
				if !declared[m[1]] {
					return nil, util.NewConfigError(TemplatesFileName,
						fmt.Sprintf("template %s references unknown substitution key %q", key, m[1]))
				}
			}
		}
	}
	return file.Templates, nil
}

// Render substitutes vals into one command skeleton. Every hole must be
// filled; unfilled holes are a caller bug surfaced as an error.
func (t Template) Render(command string, vals map[string]string) (string, error) {
	var missing string
	out := templateHole.ReplaceAllStringFunc(command, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vals[name]; ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("no value for substitution key %q", missing)
	}
	return out, nil
}
