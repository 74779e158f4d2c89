// Package deviceplane delivers compiled device policies to endpoints over
// the MQTT control bus and matches acknowledgements out of the telemetry
// stream. Deliveries are serialized per device and parallel across devices;
// inbound frames land on bounded queues so a chatty fleet cannot wedge the
// controller.
package deviceplane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// ControlQoS is at-least-once. Control commands are never fire-and-forget.
	ControlQoS byte = 1

	// inboundQueueCap bounds each inbound queue. When a queue is full the
	// oldest frame is dropped and counted.
	inboundQueueCap = 256

	connectTimeout       = 10 * time.Second
	keepAlive            = 30 * time.Second
	maxReconnectInterval = 2 * time.Minute
	disconnectQuiesceMS  = 250
)

// Message is one inbound frame from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is the device-plane session. Publish is safe for concurrent
// use. Inbound telemetry and status frames land on the bounded channels;
// a closed-and-reopened broker session is announced on Reconnects.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	SubscribeTelemetry(topics ...string) error
	SubscribeStatus(topics ...string) error
	Telemetry() <-chan Message
	Status() <-chan Message
	Reconnects() <-chan struct{}
	Connected() bool
	DroppedInbound() uint64
	Close()
}

type subKind int

const (
	subTelemetry subKind = iota
	subStatus
)

// mqttTransport is the paho-backed Transport.
type mqttTransport struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]subKind

	telemetry  chan Message
	status     chan Message
	reconnects chan struct{}

	dropped   atomic.Uint64
	everConn  atomic.Bool
	log       *logrus.Entry
}

// NewMQTT builds a transport for the given broker. The session
// auto-reconnects with capped backoff and re-establishes every
// subscription on reconnect.
func NewMQTT(brokerURL, clientID, username, password string) Transport {
	t := &mqttTransport{
		subs:       make(map[string]subKind),
		telemetry:  make(chan Message, inboundQueueCap),
		status:     make(chan Message, inboundQueueCap),
		reconnects: make(chan struct{}, 1),
		log:        util.WithComponent("transport"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect establishes the initial broker session.
func (t *mqttTransport) Connect(ctx context.Context) error {
	tok := t.client.Connect()
	if err := waitToken(ctx, tok, connectTimeout); err != nil {
		return fmt.Errorf("connecting to broker: %w: %v", util.ErrTransportUnavailable, err)
	}
	return nil
}

// Publish sends one control frame at ControlQoS and waits for broker
// acceptance or ctx cancellation.
func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, util.ErrTransportUnavailable)
	}
	tok := t.client.Publish(topic, ControlQoS, false, payload)
	if err := waitToken(ctx, tok, 0); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeTelemetry routes frames on the given topics to Telemetry().
func (t *mqttTransport) SubscribeTelemetry(topics ...string) error {
	return t.subscribe(subTelemetry, topics)
}

// SubscribeStatus routes frames on the given topics to Status().
func (t *mqttTransport) SubscribeStatus(topics ...string) error {
	return t.subscribe(subStatus, topics)
}

func (t *mqttTransport) subscribe(kind subKind, topics []string) error {
	t.mu.Lock()
	fresh := topics[:0:0]
	for _, topic := range topics {
		if _, known := t.subs[topic]; known {
			continue
		}
		t.subs[topic] = kind
		fresh = append(fresh, topic)
	}
	t.mu.Unlock()

	if !t.client.IsConnectionOpen() {
		// onConnect will pick these up.
		return nil
	}
	for _, topic := range fresh {
		if err := t.subscribeNow(topic, kind); err != nil {
			return err
		}
	}
	return nil
}

func (t *mqttTransport) subscribeNow(topic string, kind subKind) error {
	tok := t.client.Subscribe(topic, ControlQoS, func(_ mqtt.Client, m mqtt.Message) {
		t.route(kind, Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if err := waitToken(context.Background(), tok, connectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// route pushes a frame onto its bounded queue, dropping the oldest frame
// when the queue is full.
func (t *mqttTransport) route(kind subKind, m Message) {
	ch := t.telemetry
	if kind == subStatus {
		ch = t.status
	}
	for {
		select {
		case ch <- m:
			return
		default:
		}
		select {
		case <-ch:
			t.dropped.Add(1)
		default:
		}
	}
}

// onConnect re-establishes every subscription. Paho does not replay
// subscriptions across sessions, so this runs on the initial connect and
// on every reconnect.
func (t *mqttTransport) onConnect(mqtt.Client) {
	t.mu.Lock()
	subs := make(map[string]subKind, len(t.subs))
	for topic, kind := range t.subs {
		subs[topic] = kind
	}
	t.mu.Unlock()

	for topic, kind := range subs {
		if err := t.subscribeNow(topic, kind); err != nil {
			t.log.WithField("topic", topic).Warnf("resubscribe failed: %v", err)
		}
	}

	if t.everConn.Swap(true) {
		t.log.Info("broker session re-established")
		select {
		case t.reconnects <- struct{}{}:
		default:
		}
	} else {
		t.log.Info("broker session established")
	}
}

func (t *mqttTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.log.Warnf("broker session lost: %v", err)
}

func (t *mqttTransport) Telemetry() <-chan Message   { return t.telemetry }
func (t *mqttTransport) Status() <-chan Message      { return t.status }
func (t *mqttTransport) Reconnects() <-chan struct{} { return t.reconnects }
func (t *mqttTransport) Connected() bool             { return t.client.IsConnectionOpen() }
func (t *mqttTransport) DroppedInbound() uint64      { return t.dropped.Load() }

// Close tears the session down after letting in-flight publishes settle.
func (t *mqttTransport) Close() {
	t.client.Disconnect(disconnectQuiesceMS)
}

// waitToken waits for a paho token, ctx cancellation, or the optional
// timeout, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expire:
		return context.DeadlineExceeded
	}
}
