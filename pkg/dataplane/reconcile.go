package dataplane

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
)

// netemHandleBit marks qdisc handles allocated by the controller. Minors
// derived from device ids never reach this bit, so any netem carrying it
// is ours to manage.
const netemHandleBit = 0x8000

// ReconcileSummary reports what one reconciliation pass found and did.
type ReconcileSummary struct {
	// Checked is the number of stored applied data-plane policies examined.
	Checked int
	// Reapplied holds policy IDs whose kernel state was missing or drifted.
	Reapplied []string
	// Removed holds classids and netem handles deleted as strays.
	Removed []string
	// Failed holds policy IDs whose re-apply failed. They stay applied in
	// the store and the next pass retries them.
	Failed []string
}

// InSync reports whether the pass found nothing to fix.
func (s *ReconcileSummary) InSync() bool {
	return len(s.Reapplied) == 0 && len(s.Removed) == 0 && len(s.Failed) == 0
}

// handleReconcile diffs live tc state against the stored applied policies,
// re-applies what is missing or drifted, and deletes controller-owned
// leftovers nothing references. Runs on the worker goroutine like every
// other mutation. A pass over an already-converged interface changes
// nothing, so periodic reconciliation is safe.
func (e *Enforcer) handleReconcile(req request) (*ReconcileSummary, error) {
	tree, err := e.Show(req.ctx)
	if err != nil {
		return nil, fmt.Errorf("reading live state: %w", err)
	}

	summary := &ReconcileSummary{}

	// With no htb root every class and filter is gone: rebuild everything
	// and skip the per-policy diff.
	rebuildAll := !tree.HasHTBRoot()

	desiredClasses := make(map[string]bool)
	desiredHandles := make(map[uint64]bool)

	for _, p := range req.stored {
		if p.Plane != model.PlaneData || p.Status != model.PolicyApplied {
			continue
		}
		summary.Checked++

		if classid, ok := p.StringParam("classid"); ok {
			desiredClasses[classid] = true
		}
		if handle, ok := p.StringParam("handle"); ok {
			if n, ok := parseHandle(handle); ok {
				desiredHandles[n] = true
			}
		}

		inSync := !rebuildAll && e.policyInSync(req, tree, p)
		commands, _, err := e.render(req.snap, p)
		if err != nil {
			e.log.WithField("policy", p.ID).Errorf("reconcile render: %v", err)
			summary.Failed = append(summary.Failed, p.ID)
			continue
		}
		sig := strings.Join(commands, "\n")
		if inSync {
			// Converged. Warm the signature cache so a later re-apply of the
			// unchanged policy is a no-op even right after a restart.
			e.applied[p.Key] = sig
			continue
		}
		if err := e.runAll(req.ctx, commands); err != nil {
			e.log.WithField("policy", p.ID).Warnf("reconcile re-apply: %v", err)
			summary.Failed = append(summary.Failed, p.ID)
			continue
		}
		e.applied[p.Key] = sig
		summary.Reapplied = append(summary.Reapplied, p.ID)
	}

	// Strays come out after re-applies so a policy moving between classes
	// never loses both the old and the new state in one pass. Netem first:
	// tc refuses to delete a class that still has a child qdisc.
	for _, q := range tree.Qdiscs {
		if q.Kind != "netem" {
			continue
		}
		n, ok := parseHandle(q.Handle)
		if !ok || n&netemHandleBit == 0 || desiredHandles[n] {
			continue
		}
		cmd := fmt.Sprintf("tc qdisc del dev %s parent %s handle %s netem", e.iface, q.Parent, q.Handle)
		if err := e.runAll(req.ctx, []string{cmd}); err != nil {
			e.log.Warnf("reconcile remove stray netem %s: %v", q.Handle, err)
			continue
		}
		summary.Removed = append(summary.Removed, q.Handle)
	}
	for classid := range tree.Classes {
		minor := classMinor(classid)
		if minor < catalog.ClassMinorFloor || minor > catalog.ClassMinorCeil || desiredClasses[classid] {
			continue
		}
		cmd := fmt.Sprintf("tc class del dev %s parent 1: classid %s", e.iface, classid)
		if err := e.runAll(req.ctx, []string{cmd}); err != nil {
			e.log.Warnf("reconcile remove stray class %s: %v", classid, err)
			continue
		}
		summary.Removed = append(summary.Removed, classid)
	}

	if summary.InSync() {
		e.log.Debugf("reconcile: %d policies in sync on %s", summary.Checked, e.iface)
	} else {
		e.log.Infof("reconcile on %s: %d reapplied, %d strays removed, %d failed",
			e.iface, len(summary.Reapplied), len(summary.Removed), len(summary.Failed))
	}
	return summary, nil
}

// policyInSync reports whether the kernel already reflects the policy.
// Classes compare on rate and ceil, netem on delay, iptables-backed
// policies on a -C probe of their rules.
func (e *Enforcer) policyInSync(req request, tree *Tree, p *model.Policy) bool {
	switch p.Kind {
	case model.KindHTBClass:
		return e.classInSync(tree, p)
	case model.KindNetemDelay:
		if !e.classInSync(tree, p) {
			return false
		}
		classid, _ := p.StringParam("classid")
		q, ok := tree.NetemByParent(classid)
		if !ok {
			return false
		}
		want, _ := p.Param("delay_ms")
		return math.Abs(q.DelayMS-want) <= 1.0
	case model.KindPriorityMark, model.KindIptablesRule:
		return e.rulesPresent(req, p)
	}
	return false
}

func (e *Enforcer) classInSync(tree *Tree, p *model.Policy) bool {
	classid, ok := p.StringParam("classid")
	if !ok {
		return false
	}
	cls, ok := tree.Classes[classid]
	if !ok {
		return false
	}
	wantRate, _ := p.StringParam("rate")
	wantCeil, _ := p.StringParam("ceil")
	return sameRate(cls.Rate, wantRate) && sameRate(cls.Ceil, wantCeil)
}

// rulesPresent probes every iptables append in the policy's rendering with
// the equivalent -C check. The tc filter parts use replace and are re-run
// together with the appends whenever any probe misses.
func (e *Enforcer) rulesPresent(req request, p *model.Policy) bool {
	commands, _, err := e.render(req.snap, p)
	if err != nil {
		return false
	}
	for _, cmd := range commands {
		if !strings.HasPrefix(cmd, "iptables") || !strings.Contains(cmd, " -A ") {
			continue
		}
		probe := strings.Replace(cmd, " -A ", " -C ", 1)
		if _, err := e.runner.Run(req.ctx, probe); err != nil {
			return false
		}
	}
	return true
}

// sameRate compares two tc rate tokens numerically so "400Kbit" from tc
// output matches a configured "409600bit".
func sameRate(a, b string) bool {
	if a == b {
		return true
	}
	av, aok := TCRateBits(a)
	bv, bok := TCRateBits(b)
	if !aok || !bok {
		return false
	}
	if av == bv {
		return true
	}
	// tc rounds rates for display
	diff := av - bv
	if diff < 0 {
		diff = -diff
	}
	larger := av
	if bv > larger {
		larger = bv
	}
	return float64(diff)/float64(larger) < 0.05
}

// parseHandle parses a tc handle token like "8064:" into its numeric major.
func parseHandle(handle string) (uint64, bool) {
	major, _, ok := strings.Cut(handle, ":")
	if !ok || major == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}
