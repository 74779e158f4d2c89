package core

import (
	"context"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/store"
)

// The read side of the API surface. Reads go straight to the store; only
// writes are serialized through the submission worker.

// GetIntent returns one intent and its policies.
func (c *Core) GetIntent(ctx context.Context, id string) (*model.Intent, []*model.Policy, error) {
	in, err := c.store.GetIntent(id)
	if err != nil {
		return nil, nil, err
	}
	pols, err := c.store.GetIntentPolicies(id)
	if err != nil {
		return nil, nil, err
	}
	return in, pols, nil
}

// ListIntents returns intents matching the filter, newest first.
func (c *Core) ListIntents(ctx context.Context, f store.IntentFilter) ([]*model.Intent, error) {
	return c.store.ListIntents(f)
}

// ListPolicies returns policies matching the filter.
func (c *Core) ListPolicies(ctx context.Context, f store.PolicyFilter) ([]*model.Policy, error) {
	return c.store.ListPolicies(f)
}

// LastSamples returns a device's most recent telemetry, newest first.
func (c *Core) LastSamples(deviceID string, limit int) ([]model.MetricSample, error) {
	return c.store.LastSamples(deviceID, limit)
}

// AuditEvents queries the audit trail.
func (c *Core) AuditEvents(f audit.Filter) ([]*audit.Event, error) {
	return c.auditLog.Query(f)
}

// DevicePresence reports the last status-frame presence seen for a
// device. known is false until the device has published any status.
func (c *Core) DevicePresence(deviceID string) (online, known bool) {
	return c.device.Presence(deviceID)
}
