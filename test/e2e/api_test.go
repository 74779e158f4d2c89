//go:build e2e

package e2e_test

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/shapewire-net/shapewire/internal/testutil"
	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/client"
	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/model"
)

func TestE2E_HealthAndMetrics(t *testing.T) {
	s := startStack(t, nil)
	ctx := testutil.Context(t)

	report, err := s.cli.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Overall != health.StatusOK {
		t.Errorf("overall = %s, want ok: %+v", report.Overall, report.Components)
	}
	for _, name := range []string{"store", "transport", "dataplane", "catalog"} {
		if _, ok := report.Components[name]; !ok {
			t.Errorf("health report lacks component %q", name)
		}
	}

	// Exercise the exporter once so the counters exist, then scrape.
	res := s.submit(t, "limit bandwidth to 1mb/s for camera-01")
	s.waitIntentStatus(t, res.IntentID, model.IntentApplied)

	resp, err := http.Get(s.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("scraping metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	for _, series := range []string{"ibs_intent_active", "ibs_policy_enforcement_total"} {
		if !strings.Contains(string(body), series) {
			t.Errorf("metrics exposition lacks %s", series)
		}
	}
}

func TestE2E_RoleEnforcement(t *testing.T) {
	s := startStack(t, nil)
	ctx := testutil.Context(t)
	viewer := s.viewerClient(t)

	_, err := viewer.Submit(ctx, "prioritize temperature sensors", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("viewer submit error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Kind != "permission_denied" {
		t.Fatalf("got %d/%s, want 403/permission_denied", apiErr.StatusCode, apiErr.Kind)
	}

	// Read endpoints stay open to the viewer.
	if _, err := viewer.Intents(ctx, client.IntentQuery{}); err != nil {
		t.Errorf("viewer listing intents: %v", err)
	}
	if _, err := viewer.Policies(ctx, client.PolicyQuery{}); err != nil {
		t.Errorf("viewer listing policies: %v", err)
	}

	t.Run("bad credentials", func(t *testing.T) {
		cli := client.New(s.baseURL, "")
		_, err := cli.Login(ctx, operatorUser, "wrong-password")
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("bad login = %v, want 401", err)
		}
	})
}

func TestE2E_AuditTrail(t *testing.T) {
	s := startStack(t, nil)
	ctx := testutil.Context(t)

	res := s.submit(t, "limit bandwidth to 1mb/s for camera-01")
	s.waitIntentStatus(t, res.IntentID, model.IntentApplied)
	if err := s.cli.Revoke(ctx, res.IntentID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	s.waitIntentStatus(t, res.IntentID, model.IntentSuperseded)

	events, err := s.cli.Audit(ctx, client.AuditQuery{EntityID: res.IntentID})
	if err != nil {
		t.Fatalf("querying audit: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Action] = true
		if ev.Action == audit.ActionSubmit && ev.Actor != operatorUser {
			t.Errorf("submit actor = %q, want %q", ev.Actor, operatorUser)
		}
	}
	for _, action := range []string{audit.ActionSubmit, audit.ActionRevoke} {
		if !seen[action] {
			t.Errorf("audit trail lacks %s: have %v", action, seen)
		}
	}
}
