// Package parser turns free-form intent text into structured intents.
//
// A submission is normalized, split into clauses on conjunctions, and each
// clause is matched against the grammar rules in declaration order; the
// first rule matching the whole clause wins, so the grammar file's order is
// the tie-breaker and parsing is deterministic. A submission either fully
// parses or is rejected.
package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// conjunctions split a submission into ordered clauses. Splitting happens
// in list order so "a and b then c" yields the same clauses regardless of
// nesting.
var conjunctions = []string{";", " then ", " and "}

// resolutionNames maps accepted resolution spellings to the canonical
// token the camera firmware expects.
var resolutionNames = map[string]string{
	"qvga": "QVGA", "240p": "QVGA",
	"vga": "VGA", "480p": "VGA",
	"svga": "SVGA", "600p": "SVGA",
	"xga": "XGA", "768p": "XGA",
	"hd": "HD", "720p": "HD",
	"sxga": "SXGA", "960p": "SXGA",
	"uxga": "UXGA", "1080p": "UXGA",
}

// qualityPresets maps quality words to JPEG quality factors. Lower factor
// means higher quality.
var qualityPresets = map[string]float64{
	"high":   5,
	"medium": 15,
	"low":    35,
}

// Parameter bounds enforced at parse time
const (
	minGain       = -10.0
	maxGain       = 10.0
	minBrightness = -2.0
	maxBrightness = 2.0
	minQuality    = 0.0
	maxQuality    = 63.0
	// Cameras cannot capture faster than ~30fps.
	minCaptureIntervalMS = 33.0
)

// Parse normalizes and parses one submission against the grammar in snap.
// The result is the first clause with any siblings attached as
// conjunctions. Parsing resolves target selectors, so an unknown target is
// reported here rather than at enforcement time.
func Parse(snap *catalog.Snapshot, text string) (model.ParsedIntent, error) {
	normalized := util.NormalizeText(text)
	if normalized == "" {
		return model.ParsedIntent{}, util.NewParseError("", "empty submission")
	}

	clauses := SplitClauses(normalized)
	parsed := make([]model.ParsedIntent, 0, len(clauses))
	for _, clause := range clauses {
		p, err := parseClause(snap, clause)
		if err != nil {
			return model.ParsedIntent{}, err
		}
		parsed = append(parsed, p)
	}
	return model.WrapClauses(parsed), nil
}

// SplitClauses splits normalized text into ordered clauses on ";", "then"
// and "and". Empty fragments are dropped.
func SplitClauses(text string) []string {
	clauses := []string{text}
	for _, sep := range conjunctions {
		var next []string
		for _, c := range clauses {
			for _, part := range strings.Split(c, sep) {
				part = strings.TrimSpace(part)
				if part != "" {
					next = append(next, part)
				}
			}
		}
		clauses = next
	}
	return clauses
}

func parseClause(snap *catalog.Snapshot, clause string) (model.ParsedIntent, error) {
	for _, rule := range snap.Rules() {
		m := rule.Pattern.FindStringSubmatch(clause)
		if m == nil {
			continue
		}

		groups := make(map[string]string)
		for i, name := range rule.Pattern.SubexpNames() {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}

		selector := rule.DefaultTarget
		if rule.TargetGroup != "" && groups[rule.TargetGroup] != "" {
			selector = strings.TrimSpace(groups[rule.TargetGroup])
		}
		devices, err := snap.ResolveTargets(selector)
		if err != nil {
			return model.ParsedIntent{}, err
		}

		params := make(map[string]any, len(rule.Params)+len(rule.Defaults))
		for canonical, group := range rule.Params {
			raw := strings.TrimSpace(groups[group])
			if raw == "" {
				continue
			}
			v, err := convertParam(canonical, raw)
			if err != nil {
				return model.ParsedIntent{}, util.NewParseError(clause, err.Error())
			}
			params[canonical] = v
		}
		for canonical, v := range rule.Defaults {
			if _, present := params[canonical]; !present {
				params[canonical] = v
			}
		}

		if err := validateParams(rule.Type, params, devices); err != nil {
			return model.ParsedIntent{}, err
		}

		return model.ParsedIntent{
			Type:           rule.Type,
			Rule:           rule.Name,
			TargetSelector: selector,
			Parameters:     params,
		}, nil
	}

	return model.ParsedIntent{}, util.NewParseError(clause, "no grammar rule matches")
}

// convertParam converts one captured string to its canonical typed value
func convertParam(name, raw string) (any, error) {
	switch name {
	case "rate":
		// Stored as written; compilation converts to bits per second.
		if _, err := util.ParseRate(raw); err != nil {
			return nil, err
		}
		return raw, nil

	case "interval_ms", "capture_interval_ms":
		ms, err := util.ParseDurationMS(raw)
		if err != nil {
			return nil, err
		}
		return ms, nil

	case "delay_ms", "gain", "fps", "qos", "brightness":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable number %q for %s", raw, name)
		}
		return v, nil

	case "quality":
		if preset, ok := qualityPresets[raw]; ok {
			return preset, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable quality %q", raw)
		}
		return math.Min(maxQuality, math.Max(minQuality, v)), nil

	case "resolution":
		canonical, ok := resolutionNames[raw]
		if !ok {
			return nil, fmt.Errorf("unknown resolution %q", raw)
		}
		return canonical, nil

	default:
		return raw, nil
	}
}

// validateParams enforces per-type parameter ranges. Sampling intervals are
// checked against every matched device's floor so a fleet-wide intent
// cannot silently over-drive one device.
func validateParams(itype model.IntentType, params map[string]any, devices []*catalog.Device) error {
	var b util.ValidationBuilder

	num := func(name string) (float64, bool) {
		switch v := params[name].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
		return 0, false
	}

	switch itype {
	case model.IntentQoS:
		if q, ok := num("qos"); ok {
			b.Add(q == 0 || q == 1 || q == 2, fmt.Sprintf("qos must be 0, 1 or 2, got %g", q))
		} else {
			b.AddError("qos requires a level")
		}

	case model.IntentSampling:
		ms, ok := num("interval_ms")
		if !ok {
			b.AddError("sampling requires an interval")
			break
		}
		b.Add(ms > 0, "sampling interval must be positive")
		for _, d := range devices {
			if ms < d.MinSamplingMS {
				b.AddErrorf("device %s: sampling interval %gms below device minimum %gms", d.ID, ms, d.MinSamplingMS)
			}
		}

	case model.IntentLatency:
		if delay, ok := num("delay_ms"); ok {
			b.Add(delay > 0, fmt.Sprintf("latency bound must be positive, got %gms", delay))
		} else {
			b.AddError("latency requires a bound")
		}

	case model.IntentAudioGain:
		if g, ok := num("gain"); ok {
			b.Add(g >= minGain && g <= maxGain, fmt.Sprintf("gain %g outside %g..%g", g, minGain, maxGain))
		} else {
			b.AddError("audio gain requires a value")
		}

	case model.IntentCameraConfig:
		if v, ok := num("brightness"); ok {
			b.Add(v >= minBrightness && v <= maxBrightness,
				fmt.Sprintf("brightness %g outside %g..%g", v, minBrightness, maxBrightness))
		}
		if v, ok := num("fps"); ok {
			b.Add(v > 0, fmt.Sprintf("fps must be positive, got %g", v))
		}
		if v, ok := num("capture_interval_ms"); ok {
			b.Add(v >= minCaptureIntervalMS,
				fmt.Sprintf("capture interval %gms below device floor %gms", v, minCaptureIntervalMS))
		}
		if len(params) == 0 {
			b.AddError("camera config requires a setting")
		}
	}

	return b.Build()
}
