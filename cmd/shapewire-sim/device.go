package main

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	connectRetry   = 3 * time.Second
	publishTimeout = 5 * time.Second
)

// resolutionBandwidth is the steady-state video bitrate per camera
// resolution token. Lowering the resolution visibly lowers measured
// bandwidth_bps, which is what lets feedback corrections converge.
var resolutionBandwidth = map[string]float64{
	"UXGA": 4_000_000,
	"SXGA": 3_000_000,
	"HD":   2_000_000,
	"XGA":  1_400_000,
	"SVGA": 1_000_000,
	"VGA":  600_000,
	"QVGA": 250_000,
}

// simDevice simulates one fleet device: an MQTT session with presence,
// periodic telemetry and a control channel that mutates live state.
type simDevice struct {
	dev    *catalog.Device
	broker string
	client mqtt.Client
	log    *logrus.Entry
	rnd    *rand.Rand

	// wake forces an immediate telemetry frame, used after control
	// commands so reflection acks land inside the controller's window.
	wake chan struct{}

	mu       sync.Mutex
	base     time.Duration
	interval time.Duration
	enabled  bool
	config   map[string]any
	battery  float64
	latency  float64
}

func newSimDevice(dev *catalog.Device, broker string, base time.Duration) *simDevice {
	seed := fnv.New64a()
	seed.Write([]byte(dev.ID))

	d := &simDevice{
		dev:    dev,
		broker: broker,
		log:    util.WithComponent("sim").WithField("device", dev.ID),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(seed.Sum64()))),
		wake:   make(chan struct{}, 1),
		base:   base,
	}
	d.resetState()
	return d
}

// resetState restores factory defaults, also the RESET command.
func (d *simDevice) resetState() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.interval = d.base
	d.enabled = true
	d.battery = 90 + d.rnd.Float64()*10
	d.latency = 20 + d.rnd.Float64()*20

	d.config = map[string]any{
		"sampling_interval_ms": float64(d.interval.Milliseconds()),
		"qos":                  float64(d.dev.DefaultQoS),
		"enabled":              true,
	}
	if d.dev.HasCapability(catalog.CapResolution) {
		d.config["resolution"] = "UXGA"
		d.config["quality"] = float64(15)
	}
	if d.dev.HasCapability(catalog.CapAudioGain) {
		d.config["gain"] = float64(20)
	}
}

// run connects and serves until ctx ends, then says goodbye with a
// retained offline frame.
func (d *simDevice) run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(d.broker).
		SetClientID("sim-" + d.dev.ID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetBinaryWill(d.dev.StatusTopic, d.statusPayload("offline"), 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			d.announce(c)
		})

	d.client = mqtt.NewClient(opts)
	if err := d.connect(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(d.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.sayGoodbye()
			return nil
		case <-timer.C:
			d.publishTelemetry()
			timer.Reset(d.currentInterval())
		case <-d.wake:
			d.publishTelemetry()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.currentInterval())
		}
	}
}

// connect retries until the broker answers or ctx ends. A sim fleet
// often starts before the broker does.
func (d *simDevice) connect(ctx context.Context) error {
	for {
		tok := d.client.Connect()
		tok.Wait()
		if tok.Error() == nil {
			return nil
		}
		d.log.WithError(tok.Error()).Debug("broker not ready, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", d.broker, ctx.Err())
		case <-time.After(connectRetry):
		}
	}
}

// announce publishes the retained birth message and subscribes to the
// control topic. Runs on every (re)connect.
func (d *simDevice) announce(c mqtt.Client) {
	c.Publish(d.dev.StatusTopic, 1, true, d.statusPayload("online"))
	tok := c.Subscribe(d.dev.ControlTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		d.handleCommand(msg.Payload())
	})
	tok.Wait()
	if tok.Error() != nil {
		d.log.WithError(tok.Error()).Error("subscribing to control topic failed")
		return
	}
	d.log.Info("online")
}

func (d *simDevice) sayGoodbye() {
	tok := d.client.Publish(d.dev.StatusTopic, 1, true, d.statusPayload("offline"))
	tok.WaitTimeout(publishTimeout)
	d.client.Disconnect(250)
	d.log.Info("offline")
}

func (d *simDevice) statusPayload(status string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"device_id": d.dev.ID,
		"status":    status,
		"timestamp": float64(time.Now().Unix()),
	})
	return payload
}

// ============================================================================
// Control channel
// ============================================================================

// handleCommand applies one control frame. Frames carry either a
// command verb or, for cameras, bare config JSON.
func (d *simDevice) handleCommand(payload []byte) {
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		d.log.WithError(err).Debug("dropping malformed control frame")
		return
	}
	verb, _ := frame["command"].(string)

	d.mu.Lock()
	switch verb {
	case "SET_SAMPLING_INTERVAL":
		if sec, ok := num(frame["interval_seconds"]); ok {
			d.setIntervalLocked(time.Duration(sec * float64(time.Second)))
		}
	case "SET_PUBLISH_INTERVAL":
		if ms, ok := num(frame["interval_ms"]); ok {
			d.setIntervalLocked(time.Duration(ms * float64(time.Millisecond)))
		}
	case "SET_QOS":
		if qos, ok := num(frame["mqtt_qos"]); ok {
			d.config["qos"] = qos
		}
	case "SET_AUDIO_GAIN":
		if gain, ok := num(frame["gain"]); ok {
			d.config["gain"] = gain
		}
	case "SET_POWER_MODE":
		if mode, ok := frame["mode"].(string); ok {
			d.config["power_mode"] = mode
		}
	case "ENABLE_SECURE_MODE":
		if mode, ok := frame["mode"].(string); ok {
			d.config["secure_mode"] = mode
		}
	case "ENABLE":
		d.enabled = true
		d.config["enabled"] = true
	case "DISABLE":
		d.enabled = false
		d.config["enabled"] = false
	case "RESET":
		d.mu.Unlock()
		d.resetState()
		d.log.Info("reset to defaults")
		d.kick()
		return
	case "":
		d.applyConfigLocked(frame)
	default:
		d.log.WithField("command", verb).Debug("ignoring unknown command")
	}
	d.mu.Unlock()

	d.log.WithField("command", verb).Debug("control frame applied")
	d.kick()
}

// applyConfigLocked merges a bare camera config frame into live state.
func (d *simDevice) applyConfigLocked(frame map[string]any) {
	for key, v := range frame {
		switch key {
		case "resolution":
			if res, ok := v.(string); ok {
				d.config["resolution"] = res
			}
		case "quality", "brightness", "capture_interval_ms":
			if n, ok := num(v); ok {
				d.config[key] = n
			}
		case "enabled":
			if b, ok := v.(bool); ok {
				d.enabled = b
				d.config["enabled"] = b
			}
		}
	}
}

// setIntervalLocked changes the telemetry period, honoring the firmware
// floor from the registry. The reflected value is the clamped one.
func (d *simDevice) setIntervalLocked(iv time.Duration) {
	if min := time.Duration(d.dev.MinSamplingMS) * time.Millisecond; min > 0 && iv < min {
		iv = min
	}
	if iv <= 0 {
		return
	}
	d.interval = iv
	d.config["sampling_interval_ms"] = float64(iv.Milliseconds())
}

func (d *simDevice) currentInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// kick schedules an immediate telemetry frame.
func (d *simDevice) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ============================================================================
// Telemetry
// ============================================================================

func (d *simDevice) publishTelemetry() {
	if d.client == nil || !d.client.IsConnectionOpen() {
		return
	}

	frame := d.buildFrame()
	payload, err := json.Marshal(frame)
	if err != nil {
		d.log.WithError(err).Error("encoding telemetry failed")
		return
	}

	qos := byte(0)
	if q, ok := num(frame["qos"]); ok && q > 0 {
		qos = byte(q)
	}
	tok := d.client.Publish(d.dev.TelemetryTopic, qos, false, payload)
	if !tok.WaitTimeout(publishTimeout) || tok.Error() != nil {
		d.log.WithError(tok.Error()).Debug("telemetry publish failed")
	}
}

// buildFrame assembles one telemetry frame: identity, reflected config
// and, while the device is enabled, sensor readings.
func (d *simDevice) buildFrame() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame := map[string]any{
		"device_id": d.dev.ID,
		"timestamp": float64(time.Now().Unix()),
	}
	for k, v := range d.config {
		frame[k] = v
	}

	// Housekeeping fields are always on, sensors only while enabled
	d.battery -= 0.02
	if d.battery < 15 {
		d.battery = 15
	}
	frame["battery"] = round1(d.battery)
	frame["rssi"] = -55 + d.rnd.Intn(20) - 10
	frame["latency_ms"] = round1(d.stepLatencyLocked())

	if !d.enabled {
		return frame
	}

	if d.dev.HasTag("temperature") || d.dev.HasTag("environmental") {
		frame["temperature"] = round1(21 + d.rnd.Float64()*8 - 4)
		frame["humidity"] = round1(48 + d.rnd.Float64()*16 - 8)
	}
	if d.dev.HasTag("environmental") {
		frame["pressure"] = round1(1013 + d.rnd.Float64()*30 - 15)
	}
	if d.dev.HasTag("co2") {
		frame["co2_ppm"] = round1(420 + d.rnd.Float64()*380)
	}
	if d.dev.HasCapability(catalog.CapCamera) {
		res, _ := d.config["resolution"].(string)
		base, ok := resolutionBandwidth[res]
		if !ok {
			base = resolutionBandwidth["UXGA"]
		}
		jitter := 0.9 + d.rnd.Float64()*0.2
		frame["bandwidth_bps"] = round1(base * jitter)
		frame["fps"] = float64(24)
	}
	if d.dev.HasCapability(catalog.CapAudioGain) {
		frame["audio_level_db"] = round1(-28 + d.rnd.Float64()*16 - 8)
	}
	if d.dev.Kind == catalog.KindGateway {
		frame["bandwidth_bps"] = round1(1_500_000 * (0.8 + d.rnd.Float64()*0.4))
		frame["connected_clients"] = float64(6 + d.rnd.Intn(4))
	}
	return frame
}

// stepLatencyLocked advances a bounded random walk with rare spikes.
func (d *simDevice) stepLatencyLocked() float64 {
	d.latency += d.rnd.Float64()*6 - 3
	if d.latency < 8 {
		d.latency = 8
	}
	if d.latency > 120 {
		d.latency = 120
	}
	if d.rnd.Float64() < 0.02 {
		return d.latency * 3
	}
	return d.latency
}

func num(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
