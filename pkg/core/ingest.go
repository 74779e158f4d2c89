package core

import (
	"context"
	"strings"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/deviceplane"
	"github.com/shapewire-net/shapewire/pkg/model"
)

// Inbound control-bus traffic is consumed here, off the transport's
// buffered channels. Telemetry feeds the sample history and settles ack
// waiters; status frames drive presence, and a birth triggers redelivery
// of policies parked while the device was offline.

func (c *Core) telemetryWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.transport.Telemetry():
			if !ok {
				return nil
			}
			c.handleTelemetry(m)
		}
	}
}

func (c *Core) handleTelemetry(m deviceplane.Message) {
	tel, err := deviceplane.ParseTelemetry(m.Payload)
	if err != nil {
		c.log.WithField("topic", m.Topic).Debugf("discarding telemetry: %v", err)
		return
	}

	if n := c.device.Reflect(tel.DeviceID, tel.Fields); n > 0 {
		c.log.WithField("device", tel.DeviceID).Debugf("telemetry settled %d pending acks", n)
	}

	for name, v := range tel.Fields {
		f, ok := numeric(v)
		if !ok {
			continue
		}
		err := c.store.AppendSample(model.MetricSample{
			Metric:    name,
			DeviceID:  tel.DeviceID,
			Value:     f,
			Timestamp: tel.Timestamp,
		})
		if err != nil {
			c.markDegraded("recording telemetry", err)
			return
		}
	}
}

// numeric extracts a float from a decoded JSON field. Telemetry values
// arrive through encoding/json, so numbers are float64; the other cases
// cover hand-built fixtures.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ============================================================================
// Presence and redelivery
// ============================================================================

func (c *Core) statusWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.transport.Status():
			if !ok {
				return nil
			}
			c.handleStatus(ctx, m)
		}
	}
}

func (c *Core) handleStatus(ctx context.Context, m deviceplane.Message) {
	deviceID, online, err := deviceplane.ParseStatus(m.Payload)
	if err != nil {
		c.log.WithField("topic", m.Topic).Debugf("discarding status frame: %v", err)
		return
	}
	birth := c.device.SetPresence(deviceID, online)
	if online {
		c.log.WithField("device", deviceID).Info("device online")
	} else {
		c.log.WithField("device", deviceID).Info("device offline, parking further deliveries")
	}
	if birth {
		c.redeliver(ctx, deviceID)
	}
}

// redeliver pushes policies parked while deviceID was offline. A policy
// that parks again (the device flapped) just stays pending_delivery for
// the next birth.
func (c *Core) redeliver(ctx context.Context, deviceID string) {
	pols, err := c.store.PendingDeliveryPolicies(deviceID)
	if err != nil {
		c.markDegraded("loading parked policies", err)
		return
	}
	if len(pols) == 0 {
		return
	}
	c.log.WithField("device", deviceID).Infof("redelivering %d parked policies", len(pols))
	snap := c.catalog.Snapshot()
	delivered := make(map[string]bool)
	for _, p := range pols {
		status, _, err := c.applyPolicy(ctx, snap, p)
		ev := audit.NewEvent(audit.ActorSystem, audit.ActionPolicyRedeliver, audit.EntityPolicy, p.ID).
			WithDetail("device", deviceID)
		if err != nil {
			c.setPolicyStatus(p, model.PolicyFailed, err.Error())
			c.audit(ev.WithError(err))
			c.failIntent(ctx, p.IntentID, "redelivery failed: "+err.Error())
			continue
		}
		if status == model.PolicyApplied {
			c.setPolicyStatus(p, model.PolicyApplied, "")
			c.audit(ev)
			delivered[p.IntentID] = true
		}
	}
	for intentID := range delivered {
		c.clearDeliveryWarning(intentID)
	}
}

// clearDeliveryWarning drops the queued-for-offline clause from an
// intent's warning once none of its policies wait on delivery anymore.
// Other devices of the same intent may still be offline, in which case
// the warning stays until their birth.
func (c *Core) clearDeliveryWarning(intentID string) {
	pols, err := c.store.GetIntentPolicies(intentID)
	if err != nil {
		c.markDegraded("loading intent policies", err)
		return
	}
	for _, p := range pols {
		if p.Status == model.PolicyPendingDelivery {
			return
		}
	}
	in, err := c.store.GetIntent(intentID)
	if err != nil || in.Warning == "" {
		return
	}
	warn := stripDeliveryNote(in.Warning)
	if warn == in.Warning {
		return
	}
	if err := c.store.SetIntentWarning(intentID, warn); err != nil {
		c.markDegraded("recording warning", err)
	}
}

// stripDeliveryNote removes the queued-for-offline clause from a
// compound warning, keeping every other note.
func stripDeliveryNote(warning string) string {
	parts := strings.Split(warning, "; ")
	kept := parts[:0]
	for _, part := range parts {
		if strings.HasPrefix(part, offlineWarningPrefix) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "; ")
}

// failIntent marks an intent violated from outside the submission worker.
func (c *Core) failIntent(ctx context.Context, intentID, note string) {
	err := c.TransitionIntent(ctx, intentID, model.IntentViolated, note)
	if err != nil {
		c.log.WithField("intent", intentID).Debugf("violation not recorded: %v", err)
	}
}

// ============================================================================
// Session recovery
// ============================================================================

func (c *Core) reconnectWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-c.transport.Reconnects():
			if !ok {
				return nil
			}
			c.log.Info("control bus session re-established")
			c.verifyDevicePolicies(ctx, "reconnect")
		}
	}
}

// verifyDevicePolicies republishes every applied device policy and waits
// for its telemetry reflection, so state lost while the session was down
// is rebuilt. Runs at startup and after every reconnect.
func (c *Core) verifyDevicePolicies(ctx context.Context, reason string) {
	pols, err := c.store.AppliedPolicies(model.PlaneDevice)
	if err != nil {
		c.markDegraded("loading device policies", err)
		return
	}
	if len(pols) == 0 {
		return
	}

	snap := c.catalog.Snapshot()
	var confirmed, parked, failed int
	for _, p := range pols {
		if ctx.Err() != nil {
			return
		}
		status, note, err := c.applyPolicy(ctx, snap, p)
		if err != nil {
			failed++
			c.setPolicyStatus(p, model.PolicyFailed, err.Error())
			c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionPolicyApply, audit.EntityPolicy, p.ID).
				WithDetail("verify", reason).WithError(err))
			c.failIntent(ctx, p.IntentID, "verification failed: "+err.Error())
			continue
		}
		if status == model.PolicyPendingDelivery {
			parked++
			c.setPolicyStatus(p, model.PolicyPendingDelivery, note)
			continue
		}
		confirmed++
	}
	c.log.WithField("reason", reason).Infof("device policies verified: %d confirmed, %d parked, %d failed",
		confirmed, parked, failed)
	c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionReconcile, audit.EntitySystem, "").
		WithDetail("plane", string(model.PlaneDevice)).
		WithDetail("reason", reason).
		WithDetail("confirmed", confirmed).
		WithDetail("parked", parked).
		WithDetail("failed", failed))
}
