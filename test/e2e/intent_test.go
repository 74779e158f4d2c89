//go:build e2e

package e2e_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/shapewire-net/shapewire/internal/testutil"
	"github.com/shapewire-net/shapewire/pkg/client"
	"github.com/shapewire-net/shapewire/pkg/model"
)

func TestE2E_PriorityAcrossFleetSlice(t *testing.T) {
	s := startStack(t, nil)

	res := s.submit(t, "prioritize temperature sensors")
	detail := s.waitIntentStatus(t, res.IntentID, model.IntentApplied)

	if len(detail.Policies) != 3 {
		t.Fatalf("policies = %d, want 3 (one htb class, one mark per sensor)", len(detail.Policies))
	}
	var marks []string
	var classes int
	for _, p := range detail.Policies {
		switch p.Kind {
		case model.KindHTBClass:
			classes++
			if cid, _ := p.StringParam("classid"); cid != "1:10" {
				t.Errorf("high priority classid = %q, want 1:10", cid)
			}
		case model.KindPriorityMark:
			marks = append(marks, p.Target)
		default:
			t.Errorf("unexpected policy kind %s", p.Kind)
		}
		if p.Status != model.PolicyApplied {
			t.Errorf("policy %s/%s status = %s, want applied", p.Kind, p.Target, p.Status)
		}
	}
	if classes != 1 || len(marks) != 2 {
		t.Fatalf("got %d htb classes and %d marks, want 1 and 2", classes, len(marks))
	}

	// The dry runner saw real tc/iptables command lines.
	var sawTC, sawMark bool
	for _, cmd := range s.runner.Commands() {
		if strings.HasPrefix(cmd, "tc class replace") && strings.Contains(cmd, "1:10") {
			sawTC = true
		}
		if strings.Contains(cmd, "--set-mark") {
			sawMark = true
		}
	}
	if !sawTC || !sawMark {
		t.Errorf("dry runner commands missing tc class (%v) or mark (%v):\n%s",
			sawTC, sawMark, strings.Join(s.runner.Commands(), "\n"))
	}
}

func TestE2E_BandwidthCapResubmitSupersedes(t *testing.T) {
	s := startStack(t, nil)
	const text = "limit bandwidth to 50kb/s for camera-01"

	first := s.submit(t, text)
	detail := s.waitIntentStatus(t, first.IntentID, model.IntentApplied)
	if len(detail.Policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(detail.Policies))
	}
	p := detail.Policies[0]
	if p.Kind != model.KindHTBClass {
		t.Fatalf("policy kind = %s, want htb_class", p.Kind)
	}
	// 50 kb/s = 51200 bytes/s = 409600 bits/s on the wire.
	if rate, _ := p.Param("rate_bps"); rate != 409600 {
		t.Fatalf("rate_bps = %v, want 409600", rate)
	}

	second := s.submit(t, text)
	s.waitIntentStatus(t, second.IntentID, model.IntentApplied)
	old := s.waitIntentStatus(t, first.IntentID, model.IntentSuperseded)
	if old.Intent.SupersededBy != second.IntentID {
		t.Errorf("superseded_by = %q, want %s", old.Intent.SupersededBy, second.IntentID)
	}

	// Exactly one live policy holds the enforcement key afterwards.
	ctx := testutil.Context(t)
	pols, err := s.cli.Policies(ctx, client.PolicyQuery{Status: string(model.PolicyApplied)})
	if err != nil {
		t.Fatalf("listing policies: %v", err)
	}
	live := 0
	for _, p := range pols {
		if p.Kind != model.KindHTBClass {
			continue
		}
		live++
		if p.IntentID != second.IntentID {
			t.Errorf("applied policy owned by %s, want %s", p.IntentID, second.IntentID)
		}
	}
	if live != 1 {
		t.Errorf("applied htb policies = %d, want 1", live)
	}
}

func TestE2E_ConflictingClausesRejected(t *testing.T) {
	s := startStack(t, nil)
	ctx := testutil.Context(t)

	_, err := s.cli.Submit(ctx, "set audio gain to 2.0 and set audio gain to 4.0 for esp32-audio-1", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("submit error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Kind != "compile_conflict" {
		t.Fatalf("got %d/%s, want 400/compile_conflict", apiErr.StatusCode, apiErr.Kind)
	}

	// Nothing persisted, nothing published: rejection is all-or-nothing.
	intents, err := s.cli.Intents(ctx, client.IntentQuery{})
	if err != nil {
		t.Fatalf("listing intents: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("intents persisted after conflict = %d, want 0", len(intents))
	}
	if frames := s.bus.Published(); len(frames) != 0 {
		t.Errorf("frames published after conflict = %d, want 0", len(frames))
	}
}

func TestE2E_UnknownTargetRejected(t *testing.T) {
	s := startStack(t, nil)

	_, err := s.cli.Submit(testutil.Context(t), "prioritize warehouse drones", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("submit error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Kind != "unknown_target" {
		t.Fatalf("got %d/%s, want 400/unknown_target", apiErr.StatusCode, apiErr.Kind)
	}
}

func TestE2E_RevokeRollsBackEnforcement(t *testing.T) {
	s := startStack(t, nil)
	ctx := testutil.Context(t)

	res := s.submit(t, "limit bandwidth to 1mb/s for camera-01")
	s.waitIntentStatus(t, res.IntentID, model.IntentApplied)

	if err := s.cli.Revoke(ctx, res.IntentID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	detail := s.waitIntentStatus(t, res.IntentID, model.IntentSuperseded)
	for _, p := range detail.Policies {
		if p.Status != model.PolicyRolledBack {
			t.Errorf("policy %s status = %s, want rolled_back", p.ID, p.Status)
		}
	}

	// The rollback ran the inverse tc commands.
	var sawDel bool
	for _, cmd := range s.runner.Commands() {
		if strings.HasPrefix(cmd, "tc class del") {
			sawDel = true
		}
	}
	if !sawDel {
		t.Errorf("no tc class del in dry runner commands:\n%s", strings.Join(s.runner.Commands(), "\n"))
	}

	t.Run("second revoke conflicts", func(t *testing.T) {
		err := s.cli.Revoke(ctx, res.IntentID)
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
			t.Fatalf("second revoke = %v, want 409", err)
		}
	})

	t.Run("unknown intent is 404", func(t *testing.T) {
		err := s.cli.Revoke(ctx, "no-such-intent")
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("revoke unknown = %v, want 404", err)
		}
	})
}
