package deviceplane

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// ============================================================================
// Outbound: policy -> control frame
// ============================================================================

// expectation is the telemetry echo that acknowledges a command. A nil
// expectation means the command acks on publish completion.
type expectation struct {
	field string
	want  any
}

// wireCommand is one ready-to-publish control frame.
type wireCommand struct {
	topic   string
	payload []byte
	ack     *expectation
}

// commandTemplate picks the template for a device policy. Sampling has a
// firmware split: tagged esp32 devices take SET_PUBLISH_INTERVAL in
// milliseconds, everything else takes SET_SAMPLING_INTERVAL in seconds.
// Enable is a bare command verb except on cameras, which take config JSON.
func commandTemplate(snap *catalog.Snapshot, dev *catalog.Device, p *model.Policy) (string, catalog.Template, error) {
	var key string
	switch p.Kind {
	case model.KindMQTTQoS:
		key = "mqtt_qos"
	case model.KindDeviceControl:
		class, ok := p.StringParam("class")
		if !ok {
			return "", catalog.Template{}, util.NewApplyError(p.ID, "render", "device_control policy has no parameter class")
		}
		switch {
		case class == "sampling" && dev.HasTag("esp32"):
			key = "device_control.sampling_esp32"
		case class == "enabled" && !dev.HasCapability(catalog.CapCamera):
			key = "device_control.enabled_command"
		default:
			key = "device_control." + class
		}
	default:
		return "", catalog.Template{}, util.NewApplyError(p.ID, "render", fmt.Sprintf("kind %s is not a device policy", p.Kind))
	}

	tpl, ok := snap.Template(key)
	if !ok {
		return "", catalog.Template{}, util.NewApplyError(p.ID, "render", fmt.Sprintf("no template %q in catalog", key))
	}
	return key, tpl, nil
}

// buildCommand renders a device policy into the frame its firmware expects.
// Camera templates carry no command verb; their payload is plain config
// JSON. Everything else is {"command": VERB, ...args}.
func buildCommand(snap *catalog.Snapshot, dev *catalog.Device, p *model.Policy) (*wireCommand, error) {
	key, tpl, err := commandTemplate(snap, dev, p)
	if err != nil {
		return nil, err
	}

	body := map[string]any{}
	if tpl.Command != "" {
		body["command"] = tpl.Command
	}
	var ack *expectation

	switch key {
	case "mqtt_qos":
		qos, ok := p.Param("qos")
		if !ok {
			return nil, missingParam(p, "qos")
		}
		body["mqtt_qos"] = int(qos)
		body["reliable_delivery"] = qos >= 1
		body["retain"] = false
		ack = &expectation{field: "qos", want: qos}

	case "device_control.sampling":
		ms, ok := p.Param("interval_ms")
		if !ok {
			return nil, missingParam(p, "interval_ms")
		}
		body["interval_seconds"] = ms / 1000
		ack = &expectation{field: "sampling_interval_ms", want: ms}

	case "device_control.sampling_esp32":
		ms, ok := p.Param("interval_ms")
		if !ok {
			return nil, missingParam(p, "interval_ms")
		}
		body["interval_ms"] = int(ms)
		ack = &expectation{field: "sampling_interval_ms", want: ms}

	case "device_control.gain":
		gain, ok := p.Param("gain")
		if !ok {
			return nil, missingParam(p, "gain")
		}
		body["gain"] = gain
		ack = &expectation{field: "gain", want: gain}

	case "device_control.resolution":
		res, ok := p.StringParam("resolution")
		if !ok {
			return nil, missingParam(p, "resolution")
		}
		body["resolution"] = res
		ack = &expectation{field: "resolution", want: res}

	case "device_control.quality":
		q, ok := p.Param("quality")
		if !ok {
			return nil, missingParam(p, "quality")
		}
		body["quality"] = int(q)
		ack = &expectation{field: "quality", want: q}

	case "device_control.brightness":
		b, ok := p.Param("brightness")
		if !ok {
			return nil, missingParam(p, "brightness")
		}
		body["brightness"] = int(b)
		ack = &expectation{field: "brightness", want: b}

	case "device_control.capture_interval":
		ms, ok := p.Param("capture_interval_ms")
		if !ok {
			return nil, missingParam(p, "capture_interval_ms")
		}
		body["capture_interval_ms"] = int(ms)
		ack = &expectation{field: "capture_interval_ms", want: ms}

	case "device_control.enabled":
		enabled, ok := boolParam(p, "enabled")
		if !ok {
			return nil, missingParam(p, "enabled")
		}
		body["enabled"] = enabled
		ack = &expectation{field: "enabled", want: enabled}

	case "device_control.enabled_command":
		enabled, ok := boolParam(p, "enabled")
		if !ok {
			return nil, missingParam(p, "enabled")
		}
		// Template carries the enable verb; disable is its negation.
		if !enabled {
			body["command"] = "DISABLE"
		}

	case "device_control.power_mode":
		mode, ok := p.StringParam("mode")
		if !ok {
			return nil, missingParam(p, "mode")
		}
		body["mode"] = mode

	case "device_control.secure_mode":
		mode, ok := p.StringParam("mode")
		if !ok {
			return nil, missingParam(p, "mode")
		}
		body["mode"] = mode

	case "device_control.reset":
		// Bare verb, acks on publish.

	default:
		return nil, util.NewApplyError(p.ID, "render", fmt.Sprintf("no wire mapping for template %q", key))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, util.NewApplyError(p.ID, "render", fmt.Sprintf("encoding command: %v", err))
	}
	return &wireCommand{topic: dev.ControlTopic, payload: payload, ack: ack}, nil
}

func missingParam(p *model.Policy, name string) error {
	return util.NewApplyError(p.ID, "render", fmt.Sprintf("policy lacks parameter %q", name))
}

func boolParam(p *model.Policy, name string) (bool, bool) {
	v, ok := p.Parameters[name].(bool)
	return v, ok
}

// reflects reports whether a telemetry field satisfies an expectation.
// Numbers match within a small relative epsilon, strings match
// case-insensitively, bools match exactly.
func reflects(got, want any) bool {
	switch w := want.(type) {
	case float64:
		g, ok := toFloat(got)
		if !ok {
			return false
		}
		eps := 1e-6 * math.Abs(w)
		if eps < 1e-9 {
			eps = 1e-9
		}
		return math.Abs(g-w) <= eps
	case string:
		g, ok := got.(string)
		return ok && strings.EqualFold(g, w)
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ============================================================================
// Inbound: telemetry and status frames
// ============================================================================

// Telemetry is one parsed telemetry frame. Fields holds every key except
// the device id and timestamp, so reflected config values ride alongside
// sensor readings.
type Telemetry struct {
	DeviceID  string
	Timestamp time.Time
	Fields    map[string]any
}

// ParseTelemetry decodes a telemetry frame. The device id rides in
// device_id, with node_id accepted from older firmware. The timestamp may
// be unix seconds or RFC 3339; a frame without one is stamped on arrival.
func ParseTelemetry(payload []byte) (*Telemetry, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed telemetry frame: %w", err)
	}

	id := stringField(raw, "device_id")
	if id == "" {
		id = stringField(raw, "node_id")
	}
	if id == "" {
		return nil, fmt.Errorf("telemetry frame carries no device id")
	}

	t := &Telemetry{
		DeviceID:  id,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]any, len(raw)),
	}
	if ts, ok := parseTimestamp(raw["timestamp"]); ok {
		t.Timestamp = ts
	}
	for k, v := range raw {
		switch k {
		case "device_id", "node_id", "timestamp":
		default:
			t.Fields[k] = v
		}
	}
	return t, nil
}

// ParseStatus decodes a presence frame from a device's status topic.
func ParseStatus(payload []byte) (deviceID string, online bool, err error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", false, fmt.Errorf("malformed status frame: %w", err)
	}
	id := stringField(raw, "device_id")
	if id == "" {
		id = stringField(raw, "node_id")
	}
	if id == "" {
		return "", false, fmt.Errorf("status frame carries no device id")
	}
	status := strings.ToLower(stringField(raw, "status"))
	switch status {
	case "online":
		return id, true, nil
	case "offline":
		return id, false, nil
	default:
		return "", false, fmt.Errorf("status frame carries unknown status %q", status)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func parseTimestamp(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
			if ts, err := time.Parse(layout, n); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
