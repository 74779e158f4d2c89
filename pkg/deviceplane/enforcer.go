package deviceplane

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// DefaultAckWindow is how long one attempt waits for the telemetry echo.
	DefaultAckWindow = 5 * time.Second

	// DefaultApplyTimeout bounds one delivery end to end, ack wait included.
	DefaultApplyTimeout = 10 * time.Second

	maxAttempts    = 3
	retryPause     = 500 * time.Millisecond
	deviceQueueCap = 16
)

// ErrStopped is returned when work is submitted after the enforcer exited.
var ErrStopped = errors.New("device enforcer stopped")

// Delivery reports how a delivery concluded: PolicyApplied when the device
// acknowledged, PolicyPendingDelivery when the device is offline and the
// command is parked for its birth.
type Delivery struct {
	Status model.PolicyStatus
	Note   string
}

type job struct {
	ctx      context.Context
	snap     *catalog.Snapshot
	policy   *model.Policy
	rollback bool
	reply    chan jobResult
}

type jobResult struct {
	delivery Delivery
	err      error
}

// ackWaiter is one in-flight expectation against a device's telemetry.
type ackWaiter struct {
	expect expectation
	done   chan struct{}
}

// Enforcer delivers device policies over the control bus. Deliveries to
// one device are serialized through its own queue; devices proceed in
// parallel. Telemetry acks arrive via Reflect, presence via SetPresence;
// both are fed by the core's inbound workers, never by transport
// callbacks directly.
type Enforcer struct {
	transport Transport
	ackWindow time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	queues  map[string]chan job
	online  map[string]bool
	waiters map[string][]*ackWaiter

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}

	log *logrus.Entry
}

// New builds an enforcer over transport. ackWindow and applyTimeout <= 0
// select the defaults.
func New(transport Transport, ackWindow, applyTimeout time.Duration) *Enforcer {
	if ackWindow <= 0 {
		ackWindow = DefaultAckWindow
	}
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	return &Enforcer{
		transport: transport,
		ackWindow: ackWindow,
		timeout:   applyTimeout,
		queues:    make(map[string]chan job),
		online:    make(map[string]bool),
		waiters:   make(map[string][]*ackWaiter),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       util.WithComponent("deviceplane"),
	}
}

// Run anchors the enforcer's lifecycle: when ctx ends, the per-device
// workers drain and exit. Call it once, from its own goroutine.
func (e *Enforcer) Run(ctx context.Context) {
	<-ctx.Done()
	close(e.stop)
	e.wg.Wait()
	close(e.done)
}

// Apply delivers one device policy and reports whether the device
// acknowledged or the command was parked for an offline device.
func (e *Enforcer) Apply(ctx context.Context, snap *catalog.Snapshot, p *model.Policy) (Delivery, error) {
	return e.submit(job{ctx: ctx, snap: snap, policy: p, reply: make(chan jobResult, 1)})
}

// Rollback releases a device policy. Device templates carry no rollback
// commands: device state is corrected by superseding values, not by
// un-sending, so this only settles local bookkeeping.
func (e *Enforcer) Rollback(ctx context.Context, snap *catalog.Snapshot, p *model.Policy) error {
	_, err := e.submit(job{ctx: ctx, snap: snap, policy: p, rollback: true, reply: make(chan jobResult, 1)})
	return err
}

func (e *Enforcer) submit(j job) (Delivery, error) {
	q := e.queue(j.policy.Target)
	select {
	case q <- j:
	case <-e.stop:
		return Delivery{}, ErrStopped
	case <-j.ctx.Done():
		return Delivery{}, j.ctx.Err()
	}
	select {
	case res := <-j.reply:
		return res.delivery, res.err
	case <-e.stop:
		return Delivery{}, ErrStopped
	case <-j.ctx.Done():
		return Delivery{}, j.ctx.Err()
	}
}

// queue returns the device's serialized queue, spawning its worker on
// first use.
func (e *Enforcer) queue(deviceID string) chan job {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[deviceID]
	if !ok {
		q = make(chan job, deviceQueueCap)
		e.queues[deviceID] = q
		e.wg.Add(1)
		go e.deviceWorker(deviceID, q)
	}
	return q
}

func (e *Enforcer) deviceWorker(deviceID string, q chan job) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case j := <-q:
			j.reply <- e.handle(j)
		}
	}
}

// handle dispatches one job. A panicking delivery must not take the
// device's worker down with it.
func (e *Enforcer) handle(j job) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("device delivery panic: %v\n%s", r, debug.Stack())
			res = jobResult{err: fmt.Errorf("device delivery panic: %v", r)}
		}
	}()
	if j.rollback {
		return jobResult{err: e.handleRollback(j)}
	}
	return e.handleApply(j)
}

func (e *Enforcer) handleApply(j job) jobResult {
	p := j.policy
	if p.Plane != model.PlaneDevice {
		return jobResult{err: util.NewApplyError(p.ID, "deliver", fmt.Sprintf("policy plane %s is not device", p.Plane))}
	}
	dev, ok := j.snap.LookupDevice(p.Target)
	if !ok {
		return jobResult{err: util.NewApplyError(p.ID, "deliver", fmt.Sprintf("device %s is not in the registry", p.Target))}
	}
	cmd, err := buildCommand(j.snap, dev, p)
	if err != nil {
		return jobResult{err: err}
	}

	// Only a retained offline frame defers delivery; unknown presence is
	// delivered optimistically and the ack window decides.
	if e.knownOffline(p.Target) {
		e.log.WithField("policy", p.ID).Infof("device %s offline, parking %s for its birth", p.Target, p.Kind)
		return jobResult{delivery: Delivery{
			Status: model.PolicyPendingDelivery,
			Note:   fmt.Sprintf("device %s offline, queued for redelivery", p.Target),
		}}
	}

	applyCtx, cancel := context.WithTimeout(j.ctx, e.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var w *ackWaiter
		if cmd.ack != nil {
			w = e.await(p.Target, *cmd.ack)
		}

		err := e.transport.Publish(applyCtx, cmd.topic, cmd.payload)
		switch {
		case err == nil && w == nil:
			e.log.WithField("policy", p.ID).Infof("delivered %s to %s", p.Kind, p.Target)
			return jobResult{delivery: Delivery{Status: model.PolicyApplied}}

		case err == nil:
			timer := time.NewTimer(e.ackWindow)
			select {
			case <-w.done:
				timer.Stop()
				e.log.WithField("policy", p.ID).Infof("delivered %s to %s, telemetry reflects %s", p.Kind, p.Target, cmd.ack.field)
				return jobResult{delivery: Delivery{Status: model.PolicyApplied}}
			case <-applyCtx.Done():
				timer.Stop()
				e.forget(p.Target, w)
				return jobResult{err: util.NewApplyTimeout(p.ID, "deliver", "no telemetry reflection before deadline")}
			case <-timer.C:
				e.forget(p.Target, w)
				lastErr = fmt.Errorf("no telemetry reflection within %s", e.ackWindow)
			}

		default:
			if w != nil {
				e.forget(p.Target, w)
			}
			if errors.Is(err, util.ErrTransportUnavailable) {
				e.log.WithField("policy", p.ID).Warnf("broker session down, parking %s for %s", p.Kind, p.Target)
				return jobResult{delivery: Delivery{
					Status: model.PolicyPendingDelivery,
					Note:   "device transport unavailable, queued for redelivery",
				}}
			}
			if applyCtx.Err() != nil {
				return jobResult{err: util.NewApplyTimeout(p.ID, "deliver", err.Error())}
			}
			lastErr = err
		}

		if attempt < maxAttempts {
			e.log.WithField("policy", p.ID).Warnf("delivery attempt %d/%d failed: %v", attempt, maxAttempts, lastErr)
			select {
			case <-time.After(time.Duration(attempt) * retryPause):
			case <-applyCtx.Done():
				return jobResult{err: util.NewApplyTimeout(p.ID, "deliver", lastErr.Error())}
			}
		}
	}
	return jobResult{err: util.NewApplyError(p.ID, "deliver", lastErr.Error())}
}

func (e *Enforcer) handleRollback(j job) error {
	p := j.policy
	if p.Plane != model.PlaneDevice {
		return util.NewApplyError(p.ID, "rollback", fmt.Sprintf("policy plane %s is not device", p.Plane))
	}
	e.log.WithField("policy", p.ID).Debugf("released %s on %s", p.Kind, p.Target)
	return nil
}

// ============================================================================
// Presence
// ============================================================================

// SetPresence records a presence frame. It reports a birth: a device that
// was offline or unseen coming online, which is the cue to redeliver its
// parked policies.
func (e *Enforcer) SetPresence(deviceID string, online bool) (birth bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, known := e.online[deviceID]
	e.online[deviceID] = online
	return online && (!known || !prev)
}

// Presence returns the device's last reported state and whether any state
// was ever reported.
func (e *Enforcer) Presence(deviceID string) (online, known bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	online, known = e.online[deviceID]
	return online, known
}

func (e *Enforcer) knownOffline(deviceID string) bool {
	online, known := e.Presence(deviceID)
	return known && !online
}

// ============================================================================
// Acks
// ============================================================================

// Reflect matches a telemetry frame's fields against the device's pending
// expectations and releases every waiter the frame satisfies. It returns
// the number of acks settled.
func (e *Enforcer) Reflect(deviceID string, fields map[string]any) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws := e.waiters[deviceID]
	if len(ws) == 0 {
		return 0
	}
	matched := 0
	kept := ws[:0]
	for _, w := range ws {
		if v, ok := fields[w.expect.field]; ok && reflects(v, w.expect.want) {
			close(w.done)
			matched++
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(e.waiters, deviceID)
	} else {
		e.waiters[deviceID] = kept
	}
	return matched
}

func (e *Enforcer) await(deviceID string, exp expectation) *ackWaiter {
	w := &ackWaiter{expect: exp, done: make(chan struct{})}
	e.mu.Lock()
	e.waiters[deviceID] = append(e.waiters[deviceID], w)
	e.mu.Unlock()
	return w
}

func (e *Enforcer) forget(deviceID string, w *ackWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws := e.waiters[deviceID]
	for i, cand := range ws {
		if cand == w {
			e.waiters[deviceID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(e.waiters[deviceID]) == 0 {
		delete(e.waiters, deviceID)
	}
}
