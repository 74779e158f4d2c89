//go:build integration || e2e

package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/shapewire-net/shapewire/pkg/deviceplane"
)

// FakeTransport is an in-memory deviceplane.Transport. Published control
// frames are recorded, and when auto-ack is on (the default) each frame
// that expects telemetry reflection is answered with the echo a healthy
// device would send. Tests push presence and telemetry through PushStatus
// and PushTelemetry.
type FakeTransport struct {
	mu         sync.Mutex
	frames     []deviceplane.Message
	publishErr error
	autoAck    bool
	teleSubs   []string
	statSubs   []string

	telemetry  chan deviceplane.Message
	status     chan deviceplane.Message
	reconnects chan struct{}
}

// NewFakeTransport returns a connected fake with auto-ack enabled.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		autoAck:    true,
		telemetry:  make(chan deviceplane.Message, 64),
		status:     make(chan deviceplane.Message, 64),
		reconnects: make(chan struct{}, 4),
	}
}

func (f *FakeTransport) Connect(context.Context) error { return nil }

// Publish records the frame and, under auto-ack, feeds the matching
// reflection back on the telemetry channel.
func (f *FakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}
	f.frames = append(f.frames, deviceplane.Message{Topic: topic, Payload: payload})
	ack := f.autoAck
	f.mu.Unlock()

	if ack {
		if echo := reflectFrame(topic, payload); echo != nil {
			f.telemetry <- deviceplane.Message{Topic: topic, Payload: echo}
		}
	}
	return nil
}

// reflectFrame translates a control frame into the telemetry echo a device
// sends after applying it. Nil means the command acks on publish.
func reflectFrame(topic string, payload []byte) []byte {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	echo := map[string]any{"device_id": parts[1]}
	if v, ok := body["interval_seconds"].(float64); ok {
		echo["sampling_interval_ms"] = v * 1000
	}
	if v, ok := body["interval_ms"].(float64); ok {
		echo["sampling_interval_ms"] = v
	}
	if v, ok := body["mqtt_qos"].(float64); ok {
		echo["qos"] = v
	}
	if v, ok := body["gain"].(float64); ok {
		echo["gain"] = v
	}
	for _, key := range []string{"resolution", "quality", "brightness", "capture_interval_ms", "enabled"} {
		if v, ok := body[key]; ok {
			echo[key] = v
		}
	}
	if len(echo) == 1 {
		return nil
	}
	out, _ := json.Marshal(echo)
	return out
}

func (f *FakeTransport) SubscribeTelemetry(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teleSubs = append(f.teleSubs, topics...)
	return nil
}

func (f *FakeTransport) SubscribeStatus(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statSubs = append(f.statSubs, topics...)
	return nil
}

func (f *FakeTransport) Telemetry() <-chan deviceplane.Message { return f.telemetry }
func (f *FakeTransport) Status() <-chan deviceplane.Message    { return f.status }
func (f *FakeTransport) Reconnects() <-chan struct{}           { return f.reconnects }
func (f *FakeTransport) Connected() bool                       { return true }
func (f *FakeTransport) DroppedInbound() uint64                { return 0 }
func (f *FakeTransport) Close()                                {}

// SetAutoAck toggles reflection echoes. Turn it off to model a device
// that received a command but never applied it.
func (f *FakeTransport) SetAutoAck(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAck = on
}

// SetPublishErr makes every subsequent Publish fail with err.
func (f *FakeTransport) SetPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// Published returns a copy of every frame published so far.
func (f *FakeTransport) Published() []deviceplane.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deviceplane.Message, len(f.frames))
	copy(out, f.frames)
	return out
}

// PublishedTo returns the frames published to one device's control topic.
func (f *FakeTransport) PublishedTo(deviceID string) []deviceplane.Message {
	topic := fmt.Sprintf("iot/%s/control", deviceID)
	var out []deviceplane.Message
	for _, m := range f.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// PushStatus emits a presence frame for device on the status channel.
func (f *FakeTransport) PushStatus(device, status string) {
	payload := fmt.Sprintf(`{"device_id":%q,"status":%q}`, device, status)
	f.status <- deviceplane.Message{
		Topic:   fmt.Sprintf("iot/%s/status", device),
		Payload: []byte(payload),
	}
}

// PushTelemetry emits one telemetry frame for device. Fields ride
// alongside the device id; frames without a timestamp are stamped on
// arrival by the wire parser.
func (f *FakeTransport) PushTelemetry(device string, fields map[string]any) {
	body := map[string]any{"device_id": device}
	for k, v := range fields {
		body[k] = v
	}
	payload, _ := json.Marshal(body)
	f.telemetry <- deviceplane.Message{
		Topic:   fmt.Sprintf("iot/%s/data", device),
		Payload: payload,
	}
}
