package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/parser"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// Every mutation of intent state funnels through one submission worker.
// That makes conflict checks and supersession race-free without row
// locking: the worker is the store's only intent writer.

type jobKind int

const (
	jobSubmit jobKind = iota
	jobRevoke
	jobTransition
)

type job struct {
	kind jobKind
	ctx  context.Context

	// submit
	text      string
	submitter string
	parentID  string

	// revoke, transition
	intentID string
	actor    string
	to       model.IntentStatus
	note     string

	reply chan jobReply
}

type jobReply struct {
	intent   *model.Intent
	policies []*model.Policy
	err      error
}

// ============================================================================
// Public surface
// ============================================================================

// Submit parses, compiles, persists and enforces one intent submission.
// It returns the stored intent and its policies with their post-enforcement
// statuses.
func (c *Core) Submit(ctx context.Context, text, submitter string) (*model.Intent, []*model.Policy, error) {
	r := c.enqueue(job{kind: jobSubmit, ctx: ctx, text: text, submitter: submitter})
	return r.intent, r.policies, r.err
}

// RevokeIntent rolls back an intent's live policies and retires it.
func (c *Core) RevokeIntent(ctx context.Context, id, actor string) error {
	r := c.enqueue(job{kind: jobRevoke, ctx: ctx, intentID: id, actor: actor})
	return r.err
}

// SubmitCorrective runs a feedback-generated intent through the same
// pipeline as operator submissions, linked to the drifting parent.
func (c *Core) SubmitCorrective(ctx context.Context, text, parentID string) error {
	r := c.enqueue(job{kind: jobSubmit, ctx: ctx, text: text, submitter: audit.ActorFeedback, parentID: parentID})
	if r.err != nil {
		return r.err
	}
	c.audit(audit.NewEvent(audit.ActorFeedback, audit.ActionCorrective, audit.EntityIntent, r.intent.ID).
		WithDetail("parent", parentID).
		WithDetail("text", r.intent.RawText))
	return nil
}

// TransitionIntent moves an intent between statuses on behalf of the
// feedback loop, serialized with submissions.
func (c *Core) TransitionIntent(ctx context.Context, id string, to model.IntentStatus, note string) error {
	r := c.enqueue(job{kind: jobTransition, ctx: ctx, intentID: id, actor: audit.ActorFeedback, to: to, note: note})
	return r.err
}

func (c *Core) enqueue(j job) jobReply {
	if c.closing.Load() {
		return jobReply{err: fmt.Errorf("controller shutting down: %w", util.ErrDegraded)}
	}
	if j.kind == jobSubmit && c.degraded.Load() {
		return jobReply{err: fmt.Errorf("state store unreachable: %w", util.ErrDegraded)}
	}
	j.reply = make(chan jobReply, 1)
	select {
	case c.submitCh <- j:
		c.pending.Add(1)
	case <-j.ctx.Done():
		return jobReply{err: j.ctx.Err()}
	}
	select {
	case r := <-j.reply:
		return r
	case <-j.ctx.Done():
		// The worker still runs the job; the caller just stopped waiting.
		return jobReply{err: j.ctx.Err()}
	}
}

// ============================================================================
// Worker
// ============================================================================

func (c *Core) submissionWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-c.submitCh:
			var r jobReply
			switch j.kind {
			case jobSubmit:
				r = c.processSubmit(ctx, j)
			case jobRevoke:
				r = c.processRevoke(ctx, j)
			case jobTransition:
				r = c.processTransition(j)
			}
			j.reply <- r
			c.pending.Add(-1)
		}
	}
}

func (c *Core) processSubmit(ctx context.Context, j job) jobReply {
	start := time.Now()
	snap := c.catalog.Snapshot()

	parsed, err := parser.Parse(snap, j.text)
	if err != nil {
		c.audit(audit.NewEvent(j.submitter, audit.ActionSubmit, audit.EntityIntent, "").
			WithDetail("text", j.text).WithError(err))
		return jobReply{err: err}
	}

	now := time.Now().UTC()
	in := &model.Intent{
		ID:          model.NewID(),
		RawText:     j.text,
		Parsed:      parsed,
		Status:      model.IntentPending,
		Submitter:   j.submitter,
		ParentID:    j.parentID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	res, err := c.compiler.Compile(snap, in.ID, parsed)
	if err != nil {
		c.audit(audit.NewEvent(j.submitter, audit.ActionSubmit, audit.EntityIntent, in.ID).
			WithDetail("text", j.text).WithError(err))
		return jobReply{err: err}
	}
	// A corrective adjusts its parent's enforcement; the parent stays the
	// goal owner, so the corrective itself is never evaluated.
	if j.parentID == "" {
		in.Goal = res.Goal
	}
	if len(res.Warnings) > 0 {
		in.Warning = strings.Join(res.Warnings, "; ")
	}

	if err := c.store.CreateIntentWithPolicies(in, res.Policies); err != nil {
		c.markDegraded("persisting intent", err)
		c.audit(audit.NewEvent(j.submitter, audit.ActionSubmit, audit.EntityIntent, in.ID).WithError(err))
		return jobReply{err: err}
	}
	c.transition(in, model.IntentCompiled, "", audit.ActorSystem)
	c.audit(audit.NewEvent(j.submitter, audit.ActionSubmit, audit.EntityIntent, in.ID).
		WithDetail("policies", len(res.Policies)).
		WithDuration(time.Since(start)))
	c.log.WithField("intent", in.ID).Infof("accepted %q from %s, %d policies", j.text, j.submitter, len(res.Policies))

	c.enforce(ctx, snap, in, res.Policies)

	final, err := c.store.GetIntent(in.ID)
	if err != nil {
		final = in
	}
	pols, err := c.store.GetIntentPolicies(in.ID)
	if err != nil {
		pols = res.Policies
	}
	return jobReply{intent: final, policies: pols}
}

// offlineWarningPrefix opens the warning clause recorded while a
// device-plane policy waits for its device. Redelivery strips the
// clause again once nothing is parked anymore.
const offlineWarningPrefix = "queued for offline device(s): "

// enforce walks the compiled policies in declared order. Each enforcer
// retries transient failures itself; a returned error means the policy
// is failed for good and the intent ends violated.
func (c *Core) enforce(ctx context.Context, snap *catalog.Snapshot, in *model.Intent, policies []*model.Policy) {
	sort.SliceStable(policies, func(i, k int) bool { return policies[i].Seq < policies[k].Seq })

	var failed int
	var parked []string
	var lastErr string
	for _, p := range policies {
		status, note, err := c.applyPolicy(ctx, snap, p)
		if err != nil {
			failed++
			lastErr = err.Error()
			c.setPolicyStatus(p, model.PolicyFailed, err.Error())
			c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionPolicyApply, audit.EntityPolicy, p.ID).
				WithDetail("target", p.Target).WithDetail("kind", string(p.Kind)).WithError(err))
			continue
		}
		// The old holder of the enforcement key retires before the new
		// policy is recorded live, so the store never carries two live
		// policies on one key, even across a crash between the writes.
		c.supersedeByKey(in, p)
		c.setPolicyStatus(p, status, note)
		c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionPolicyApply, audit.EntityPolicy, p.ID).
			WithDetail("target", p.Target).WithDetail("kind", string(p.Kind)).
			WithDetail("status", string(status)))
		if status == model.PolicyPendingDelivery {
			parked = append(parked, p.Target)
		}
	}

	switch {
	case failed > 0:
		c.transition(in, model.IntentViolated, lastErr, audit.ActorSystem)
	default:
		c.transition(in, model.IntentApplied, "", audit.ActorSystem)
		if len(parked) > 0 {
			warn := offlineWarningPrefix + strings.Join(dedupe(parked), ", ")
			if in.Warning != "" {
				warn = in.Warning + "; " + warn
			}
			if err := c.store.SetIntentWarning(in.ID, warn); err != nil {
				c.markDegraded("recording warning", err)
			}
		}
	}
}

func (c *Core) applyPolicy(ctx context.Context, snap *catalog.Snapshot, p *model.Policy) (model.PolicyStatus, string, error) {
	start := time.Now()
	switch p.Plane {
	case model.PlaneData:
		err := c.data.Apply(ctx, snap, p)
		if err != nil {
			c.exporter.ObserveEnforcement(p.Kind, model.PolicyFailed, time.Since(start))
			return "", "", err
		}
		c.exporter.ObserveEnforcement(p.Kind, model.PolicyApplied, time.Since(start))
		return model.PolicyApplied, "", nil
	case model.PlaneDevice:
		d, err := c.device.Apply(ctx, snap, p)
		if err != nil {
			c.exporter.ObserveEnforcement(p.Kind, model.PolicyFailed, time.Since(start))
			return "", "", err
		}
		c.exporter.ObserveEnforcement(p.Kind, d.Status, time.Since(start))
		return d.Status, d.Note, nil
	default:
		return "", "", util.NewApplyError(p.ID, "apply", fmt.Sprintf("unknown plane %s", p.Plane))
	}
}

// supersedeByKey retires older policies holding newP's enforcement key.
// Data-plane keys are overwritten in place by the newer apply, device
// keys by the newer command, so retirement is bookkeeping only. An old
// intent left with no live policy is superseded whole, except the new
// intent's own parent: a corrective replaces the parent's enforcement
// while the parent intent stays active as the goal owner.
func (c *Core) supersedeByKey(in *model.Intent, newP *model.Policy) {
	olds, err := c.store.PoliciesByKey(newP.Key,
		model.PolicyApplied, model.PolicyPendingDelivery, model.PolicyPending)
	if err != nil {
		c.markDegraded("resolving policy conflicts", err)
		return
	}
	for _, old := range olds {
		if old.IntentID == newP.IntentID {
			continue
		}
		if err := c.store.UpdatePolicyStatus(old.ID, model.PolicySuperseded, ""); err != nil {
			c.markDegraded("superseding policy", err)
			continue
		}
		c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionSupersede, audit.EntityPolicy, old.ID).
			WithDetail("by", newP.ID).WithDetail("key", newP.Key))
		c.log.WithField("policy", old.ID).Infof("superseded by %s on %s", newP.ID, newP.Key)
		if old.IntentID == in.ParentID {
			continue
		}
		c.settleSuperseded(old.IntentID, newP.IntentID)
	}
}

func (c *Core) settleSuperseded(oldIntentID, newIntentID string) {
	pols, err := c.store.GetIntentPolicies(oldIntentID)
	if err != nil {
		c.markDegraded("loading intent policies", err)
		return
	}
	for _, p := range pols {
		switch p.Status {
		case model.PolicyPending, model.PolicyPendingDelivery, model.PolicyApplied:
			return
		}
	}
	old, err := c.store.GetIntent(oldIntentID)
	if err != nil || old.Status.Terminal() {
		return
	}
	if err := c.store.SupersedeIntent(oldIntentID, newIntentID); err != nil {
		c.markDegraded("superseding intent", err)
		return
	}
	c.audit(audit.NewEvent(audit.ActorSystem, audit.ActionSupersede, audit.EntityIntent, oldIntentID).
		WithTransition(string(old.Status), string(model.IntentSuperseded)).
		WithDetail("by", newIntentID))
	c.log.WithField("intent", oldIntentID).Infof("intent superseded by %s", newIntentID)
}

// ============================================================================
// Revoke and transitions
// ============================================================================

func (c *Core) processRevoke(ctx context.Context, j job) jobReply {
	in, err := c.store.GetIntent(j.intentID)
	if err != nil {
		return jobReply{err: err}
	}
	if in.Status.Terminal() {
		return jobReply{err: fmt.Errorf("intent %s is already %s: %w", in.ID, in.Status, util.ErrConflict)}
	}

	snap := c.catalog.Snapshot()
	if err := c.rollbackPolicies(ctx, snap, j.actor, in.ID); err != nil {
		return jobReply{err: err}
	}

	// Corrective children enforce on the parent's behalf; revoking the
	// parent retires them too.
	children, err := c.store.ListIntents(store.IntentFilter{ParentID: in.ID})
	if err != nil {
		return jobReply{err: err}
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := c.rollbackPolicies(ctx, snap, j.actor, child.ID); err != nil {
			c.log.WithField("intent", child.ID).Warnf("rolling back corrective: %v", err)
			continue
		}
		c.transition(child, model.IntentSuperseded, "parent revoked", j.actor)
	}

	c.transition(in, model.IntentSuperseded, "revoked", j.actor)
	c.audit(audit.NewEvent(j.actor, audit.ActionRevoke, audit.EntityIntent, in.ID))
	c.log.WithField("intent", in.ID).Infof("revoked by %s", j.actor)
	return jobReply{intent: in}
}

func (c *Core) rollbackPolicies(ctx context.Context, snap *catalog.Snapshot, actor, intentID string) error {
	pols, err := c.store.GetIntentPolicies(intentID)
	if err != nil {
		return err
	}
	for _, p := range pols {
		switch p.Status {
		case model.PolicyApplied, model.PolicyPendingDelivery, model.PolicyPending:
		default:
			continue
		}
		var rerr error
		switch p.Plane {
		case model.PlaneData:
			rerr = c.data.Rollback(ctx, snap, p)
		case model.PlaneDevice:
			rerr = c.device.Rollback(ctx, snap, p)
		}
		ev := audit.NewEvent(actor, audit.ActionPolicyRollback, audit.EntityPolicy, p.ID).
			WithDetail("target", p.Target)
		if rerr != nil {
			// Enforcement may be left behind; reconcile sweeps strays once
			// the policy is no longer recorded as applied.
			c.setPolicyStatus(p, model.PolicyFailed, rerr.Error())
			c.audit(ev.WithError(rerr))
			continue
		}
		c.setPolicyStatus(p, model.PolicyRolledBack, "")
		c.audit(ev)
	}
	return nil
}

func (c *Core) processTransition(j job) jobReply {
	in, err := c.store.GetIntent(j.intentID)
	if err != nil {
		return jobReply{err: err}
	}
	if in.Status == j.to {
		return jobReply{intent: in}
	}
	if !model.CanTransition(in.Status, j.to) {
		return jobReply{err: fmt.Errorf("intent %s cannot move %s -> %s: %w",
			in.ID, in.Status, j.to, util.ErrConflict)}
	}
	c.transition(in, j.to, j.note, j.actor)
	return jobReply{intent: in}
}

// transition writes an intent status change and its audit record. The
// change is skipped, not forced, when the lifecycle forbids it.
func (c *Core) transition(in *model.Intent, to model.IntentStatus, note, actor string) {
	if !model.CanTransition(in.Status, to) {
		c.log.WithField("intent", in.ID).Warnf("refusing transition %s -> %s", in.Status, to)
		return
	}
	if err := c.store.SetIntentStatus(in.ID, to); err != nil {
		c.markDegraded("updating intent status", err)
		return
	}
	ev := audit.NewEvent(actor, audit.ActionTransition, audit.EntityIntent, in.ID).
		WithTransition(string(in.Status), string(to))
	if note != "" {
		ev = ev.WithDetail("note", note)
	}
	c.audit(ev)
	in.Status = to
	in.UpdatedAt = time.Now().UTC()
}

func (c *Core) setPolicyStatus(p *model.Policy, status model.PolicyStatus, lastErr string) {
	if err := c.store.UpdatePolicyStatus(p.ID, status, lastErr); err != nil {
		c.markDegraded("updating policy status", err)
		return
	}
	p.Status = status
	p.LastError = lastErr
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
