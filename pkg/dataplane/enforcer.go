// Package dataplane applies compiled data-plane policies to the kernel
// through tc and iptables. A single worker goroutine owns all mutations;
// callers submit work through an inbox and never touch the tools
// concurrently. Reads (Show) go straight to the tools since the kernel
// serves them consistently.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/compiler"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// DefaultAttemptTimeout bounds one apply attempt end to end.
	DefaultAttemptTimeout = 3 * time.Second

	maxAttempts = 3
	retryPause  = 250 * time.Millisecond
)

// ErrStopped is returned when work is submitted after the worker exited.
var ErrStopped = errors.New("dataplane enforcer stopped")

type opKind int

const (
	opApply opKind = iota
	opRollback
	opEnsureChains
	opReconcile
)

type request struct {
	op     opKind
	ctx    context.Context
	snap   *catalog.Snapshot
	policy *model.Policy
	stored []*model.Policy
	reply  chan result
}

type result struct {
	summary *ReconcileSummary
	err     error
}

// Enforcer owns the tc and iptables state of one egress interface.
type Enforcer struct {
	iface   string
	runner  Runner
	timeout time.Duration

	inbox chan request
	done  chan struct{}

	// applied caches the rendered command signature per conflict key so a
	// re-apply of an unchanged policy costs nothing.
	applied map[string]string

	log *logrus.Entry
}

// New builds an enforcer for iface. attemptTimeout <= 0 selects the
// default. The enforcer is inert until Run is started.
func New(iface string, runner Runner, attemptTimeout time.Duration) *Enforcer {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	return &Enforcer{
		iface:   iface,
		runner:  runner,
		timeout: attemptTimeout,
		inbox:   make(chan request, 64),
		done:    make(chan struct{}),
		applied: make(map[string]string),
		log:     util.WithComponent("dataplane"),
	}
}

// Iface returns the interface this enforcer manages.
func (e *Enforcer) Iface() string { return e.iface }

// Run processes mutations until ctx is cancelled. Call it once, from its
// own goroutine.
func (e *Enforcer) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.inbox:
			req.reply <- e.handle(req)
		}
	}
}

// handle dispatches one request. A panicking op must not take the worker
// down with it.
func (e *Enforcer) handle(req request) (res result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("dataplane op panic: %v\n%s", r, debug.Stack())
			res = result{err: fmt.Errorf("dataplane op panic: %v", r)}
		}
	}()
	switch req.op {
	case opApply:
		return result{err: e.handleApply(req)}
	case opRollback:
		return result{err: e.handleRollback(req)}
	case opEnsureChains:
		return result{err: e.handleEnsureChains(req.ctx)}
	case opReconcile:
		summary, err := e.handleReconcile(req)
		return result{summary: summary, err: err}
	}
	return result{err: fmt.Errorf("unknown dataplane op %d", req.op)}
}

func (e *Enforcer) submit(req request) result {
	select {
	case e.inbox <- req:
	case <-e.done:
		return result{err: ErrStopped}
	case <-req.ctx.Done():
		return result{err: req.ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-e.done:
		return result{err: ErrStopped}
	case <-req.ctx.Done():
		return result{err: req.ctx.Err()}
	}
}

// Apply installs one data-plane policy, retrying transient failures.
func (e *Enforcer) Apply(ctx context.Context, snap *catalog.Snapshot, p *model.Policy) error {
	res := e.submit(request{op: opApply, ctx: ctx, snap: snap, policy: p, reply: make(chan result, 1)})
	return res.err
}

// Rollback removes one previously applied policy. Best effort: rules
// already gone are not an error.
func (e *Enforcer) Rollback(ctx context.Context, snap *catalog.Snapshot, p *model.Policy) error {
	res := e.submit(request{op: opRollback, ctx: ctx, snap: snap, policy: p, reply: make(chan result, 1)})
	return res.err
}

// EnsureChains creates the controller-owned iptables chains and hooks
// them from the built-in ones. Idempotent.
func (e *Enforcer) EnsureChains(ctx context.Context) error {
	res := e.submit(request{op: opEnsureChains, ctx: ctx, reply: make(chan result, 1)})
	return res.err
}

// Reconcile diffs stored applied policies against live kernel state,
// re-applies what is missing and removes what nothing owns.
func (e *Enforcer) Reconcile(ctx context.Context, snap *catalog.Snapshot, stored []*model.Policy) (*ReconcileSummary, error) {
	res := e.submit(request{op: opReconcile, ctx: ctx, snap: snap, stored: stored, reply: make(chan result, 1)})
	return res.summary, res.err
}

// ============================================================================
// Apply / rollback
// ============================================================================

func (e *Enforcer) handleApply(req request) error {
	p := req.policy
	if p.Plane != model.PlaneData {
		return util.NewApplyError(p.ID, "apply", fmt.Sprintf("policy plane %s is not data_plane", p.Plane))
	}
	commands, _, err := e.render(req.snap, p)
	if err != nil {
		return util.NewApplyError(p.ID, "apply", err.Error())
	}

	sig := strings.Join(commands, "\n")
	if prev, ok := e.applied[p.Key]; ok && prev == sig {
		e.log.WithField("policy", p.ID).Debugf("policy %s unchanged on %s, skipping", p.Kind, p.Target)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = e.runAll(req.ctx, commands)
		if lastErr == nil {
			e.applied[p.Key] = sig
			e.log.WithField("policy", p.ID).Infof("applied %s on %s", p.Kind, p.Target)
			return nil
		}
		if req.ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			e.log.WithField("policy", p.ID).Warnf("apply attempt %d/%d failed: %v", attempt, maxAttempts, lastErr)
			select {
			case <-time.After(time.Duration(attempt) * retryPause):
			case <-req.ctx.Done():
			}
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return util.NewApplyTimeout(p.ID, "apply", lastErr.Error())
	}
	return util.NewApplyError(p.ID, "apply", lastErr.Error())
}

func (e *Enforcer) handleRollback(req request) error {
	p := req.policy
	if p.Plane != model.PlaneData {
		return util.NewApplyError(p.ID, "rollback", fmt.Sprintf("policy plane %s is not data_plane", p.Plane))
	}
	_, rollback, err := e.render(req.snap, p)
	if err != nil {
		return util.NewApplyError(p.ID, "rollback", err.Error())
	}
	delete(e.applied, p.Key)
	if len(rollback) == 0 {
		return nil
	}
	if err := e.runAll(req.ctx, rollback); err != nil {
		return util.NewApplyError(p.ID, "rollback", err.Error())
	}
	e.log.WithField("policy", p.ID).Infof("rolled back %s on %s", p.Kind, p.Target)
	return nil
}

// runAll executes commands in order under one attempt deadline. Failures
// that only mean "already in the desired state" are tolerated.
func (e *Enforcer) runAll(ctx context.Context, commands []string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	for _, command := range commands {
		out, err := e.runner.Run(attemptCtx, command)
		if err == nil {
			continue
		}
		if attemptCtx.Err() != nil {
			return fmt.Errorf("%s: %w", command, attemptCtx.Err())
		}
		if tolerable(command, out) {
			e.log.Debugf("tolerated %q: %s", command, firstLine(out, err))
			continue
		}
		return fmt.Errorf("%s: %s", command, firstLine(out, err))
	}
	return nil
}

// ============================================================================
// Chain setup
// ============================================================================

func (e *Enforcer) handleEnsureChains(ctx context.Context) error {
	hooks := []struct {
		table string
		chain string
		from  string
	}{
		{"mangle", compiler.MangleChain, "POSTROUTING"},
		{"filter", compiler.FilterChain, "FORWARD"},
	}
	for _, h := range hooks {
		out, err := e.runner.Run(ctx, fmt.Sprintf("iptables -w -t %s -N %s", h.table, h.chain))
		if err != nil && !strings.Contains(out, "Chain already exists") {
			return fmt.Errorf("creating chain %s/%s: %s", h.table, h.chain, firstLine(out, err))
		}
		// -C probes for the jump; absent means we add it once.
		if _, err := e.runner.Run(ctx, fmt.Sprintf("iptables -w -t %s -C %s -j %s", h.table, h.from, h.chain)); err != nil {
			out, err := e.runner.Run(ctx, fmt.Sprintf("iptables -w -t %s -A %s -j %s", h.table, h.from, h.chain))
			if err != nil {
				return fmt.Errorf("hooking chain %s/%s: %s", h.table, h.chain, firstLine(out, err))
			}
		}
	}
	return nil
}

// ============================================================================
// Rendering
// ============================================================================

// render resolves the policy's template and fills both the command and
// rollback skeletons.
func (e *Enforcer) render(snap *catalog.Snapshot, p *model.Policy) (commands, rollback []string, err error) {
	key := templateKey(p)
	tpl, ok := snap.Template(key)
	if !ok {
		return nil, nil, fmt.Errorf("no template %q in catalog", key)
	}
	vals := renderVals(p.Parameters)
	for _, skel := range tpl.Commands {
		cmd, err := tpl.Render(skel, vals)
		if err != nil {
			return nil, nil, err
		}
		commands = append(commands, cmd)
	}
	for _, skel := range tpl.Rollback {
		cmd, err := tpl.Render(skel, vals)
		if err != nil {
			return nil, nil, err
		}
		rollback = append(rollback, cmd)
	}
	return commands, rollback, nil
}

// templateKey picks the template for a policy. An htb class with a source
// address gets the filtered variant that steers the device's traffic into
// the class.
func templateKey(p *model.Policy) string {
	if p.Kind == model.KindHTBClass {
		if _, ok := p.Parameters["address"]; ok {
			return "htb_class_filtered"
		}
	}
	return string(p.Kind)
}

// renderVals flattens policy parameters into template substitution
// strings. Numbers arrive as float64 after a store round trip.
func renderVals(params map[string]any) map[string]string {
	vals := make(map[string]string, len(params))
	for name, v := range params {
		switch v := v.(type) {
		case string:
			vals[name] = v
		case float64:
			vals[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			vals[name] = strconv.Itoa(v)
		case int64:
			vals[name] = strconv.FormatInt(v, 10)
		case bool:
			vals[name] = strconv.FormatBool(v)
		default:
			vals[name] = fmt.Sprintf("%v", v)
		}
	}
	return vals
}

// ============================================================================
// Failure tolerance
// ============================================================================

// notFoundOutputs are the strings tc and iptables print when asked to
// delete something that is not there.
var notFoundOutputs = []string{
	"No such file or directory",
	"Invalid argument",
	"No chain/target/match by that name",
	"Bad rule",
	"Cannot find specified",
}

// tolerable reports whether a failed command left the kernel in the state
// we wanted anyway. Creations tolerate "already exists"; deletions
// tolerate "not found".
func tolerable(command, output string) bool {
	if strings.Contains(output, "File exists") || strings.Contains(output, "Chain already exists") {
		return true
	}
	if isDelete(command) {
		for _, s := range notFoundOutputs {
			if strings.Contains(output, s) {
				return true
			}
		}
	}
	return false
}

func isDelete(command string) bool {
	return strings.Contains(command, " del ") ||
		strings.HasSuffix(command, " del") ||
		strings.Contains(command, " -D ") ||
		strings.Contains(command, " -F ") ||
		strings.Contains(command, " -X ")
}

func firstLine(out string, err error) string {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return err.Error()
	}
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
