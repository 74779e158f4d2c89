// Package feedback closes the loop between enforced policies and observed
// telemetry. A single ticker goroutine evaluates every active goal-bearing
// intent against measured metrics, flips intents between satisfied and
// violated, and submits bounded corrective intents through the normal
// intake when a goal drifts out of tolerance.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// DefaultPeriod is the evaluation interval.
	DefaultPeriod = 15 * time.Second

	// DefaultTolerance is the relative band around a goal value inside
	// which the goal counts as met.
	DefaultTolerance = 0.10

	// DefaultMaxCorrections bounds how deep a corrective chain may grow
	// from one operator submission.
	DefaultMaxCorrections = 10

	// correctionFraction scales each corrective step to a share of the
	// measured gap.
	correctionFraction = 0.20

	// Minimum corrective steps, one canonical unit per metric family.
	minLatencyStepMS = 1.0
	minRateStepBPS   = 1024.0

	// Floors for corrected bounds. Tightening below these is meaningless
	// for the underlying tc primitives.
	minLatencyBoundMS = 1.0
	minRateBoundBPS   = 1024.0

	// Oscillation damping: a satisfied intent that violates and recovers
	// within oscillationWindow ticks counts as one oscillation; after
	// oscillationLimit consecutive oscillations corrections pause for
	// pauseTicks.
	oscillationWindow = 3
	oscillationLimit  = 3
	pauseTicks        = 10
)

// Store is the slice of the state store the controller reads.
type Store interface {
	ActiveGoalIntents() ([]*model.Intent, error)
	CorrectiveCount(parentID string) (int, error)
}

// Driver is what the controller asks of the orchestrator. Both calls go
// through the orchestrator's submission worker so that the store keeps a
// single writer.
type Driver interface {
	SubmitCorrective(ctx context.Context, text, parentID string) error
	TransitionIntent(ctx context.Context, id string, to model.IntentStatus, note string) error
}

// Config tunes the controller. Zero values take the defaults above.
type Config struct {
	Period         time.Duration
	Tolerance      float64
	MaxCorrections int
}

// TickSummary reports what one evaluation pass did.
type TickSummary struct {
	Evaluated   int
	Satisfied   int
	Violated    int
	Unavailable int
	Corrections int
}

// Stats are monotonic counters for the metrics exporter.
type Stats struct {
	Evaluations uint64
	Corrections uint64
	Unavailable uint64
	Blocks      uint64
}

// intentState carries per-intent damping memory between ticks.
type intentState struct {
	status       model.IntentStatus
	vioTick      int64 // tick of the last satisfied->violated flip
	oscillations int   // consecutive quick violate-recover cycles
	pausedUntil  int64 // corrections paused while tick < pausedUntil
	seen         int64
	budgetWarned bool
}

// Controller runs the evaluation loop.
type Controller struct {
	store   Store
	driver  Driver
	querier Querier

	period    time.Duration
	tolerance float64
	maxCorr   int

	mu     sync.Mutex
	tick   int64
	states map[string]*intentState

	evaluations atomic.Uint64
	corrections atomic.Uint64
	unavailable atomic.Uint64
	blocks      atomic.Uint64

	log *logrus.Entry
}

// New builds a controller. The querier decides where measurements come
// from; see NewPromQuerier and NewStoreQuerier.
func New(store Store, driver Driver, querier Querier, cfg Config) *Controller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = DefaultMaxCorrections
	}
	return &Controller{
		store:     store,
		driver:    driver,
		querier:   querier,
		period:    cfg.Period,
		tolerance: cfg.Tolerance,
		maxCorr:   cfg.MaxCorrections,
		states:    make(map[string]*intentState),
		log:       util.WithComponent("feedback"),
	}
}

// Run evaluates on the configured period until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	c.log.WithField("period", c.period).Info("feedback loop started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("feedback loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass over every active goal-bearing intent.
// It is exported so tests and simulations can drive the loop without
// waiting on the ticker.
func (c *Controller) Tick(ctx context.Context) TickSummary {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("feedback tick panicked")
			c.log.Debug(string(debug.Stack()))
		}
	}()

	c.mu.Lock()
	c.tick++
	tick := c.tick
	c.mu.Unlock()

	var sum TickSummary
	intents, err := c.store.ActiveGoalIntents()
	if err != nil {
		c.log.WithError(err).Warn("loading active intents failed, skipping tick")
		return sum
	}

	for _, in := range intents {
		if ctx.Err() != nil {
			break
		}
		sum.Evaluated++
		c.evaluations.Add(1)
		c.evaluate(ctx, in, tick, &sum)
	}

	c.prune(tick)
	if sum.Violated > 0 || sum.Corrections > 0 {
		c.log.WithFields(logrus.Fields{
			"evaluated":   sum.Evaluated,
			"violated":    sum.Violated,
			"corrections": sum.Corrections,
		}).Info("feedback tick")
	}
	return sum
}

// Stats returns the monotonic counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Evaluations: c.evaluations.Load(),
		Corrections: c.corrections.Load(),
		Unavailable: c.unavailable.Load(),
		Blocks:      c.blocks.Load(),
	}
}

// ============================================================================
// Evaluation
// ============================================================================

func (c *Controller) evaluate(ctx context.Context, in *model.Intent, tick int64, sum *TickSummary) {
	goal := in.Goal
	if goal == nil {
		return
	}
	st := c.state(in, tick)

	measured, err := c.querier.Measure(ctx, goal)
	if err != nil {
		sum.Unavailable++
		c.unavailable.Add(1)
		c.log.WithField("intent", in.ID).WithError(err).Debug("metric unavailable, status unchanged")
		return
	}

	if violates(goal, measured, c.tolerance) {
		sum.Violated++
		c.markViolated(ctx, in, st, measured, tick)
		if c.correct(ctx, in, st, measured, tick) {
			sum.Corrections++
		}
		return
	}

	sum.Satisfied++
	c.markSatisfied(ctx, in, st, measured, tick)
}

// violates applies the tolerance band in the goal's direction: an upper
// bound tolerates overshoot up to +10%, a floor tolerates shortfall down
// to -10%.
func violates(goal *model.Goal, measured, tolerance float64) bool {
	switch goal.Op {
	case model.GoalGE:
		return measured < goal.Value*(1-tolerance)
	default:
		return measured > goal.Value*(1+tolerance)
	}
}

func (c *Controller) markViolated(ctx context.Context, in *model.Intent, st *intentState, measured float64, tick int64) {
	if st.status == model.IntentViolated {
		return
	}
	g := in.Goal
	note := fmt.Sprintf("%s %s measured %s, goal %s %s",
		g.Metric, g.Aggregate, formatValue(g, measured), g.Op, formatValue(g, g.Value))
	if err := c.driver.TransitionIntent(ctx, in.ID, model.IntentViolated, note); err != nil {
		c.log.WithField("intent", in.ID).WithError(err).Debug("violated transition rejected")
		return
	}
	st.vioTick = tick
	st.status = model.IntentViolated
	c.log.WithFields(logrus.Fields{
		"intent":   in.ID,
		"measured": measured,
		"goal":     g.Value,
	}).Warn("goal violated")
}

func (c *Controller) markSatisfied(ctx context.Context, in *model.Intent, st *intentState, measured float64, tick int64) {
	if st.status == model.IntentSatisfied {
		return
	}
	recovered := st.status == model.IntentViolated
	g := in.Goal
	note := fmt.Sprintf("%s %s measured %s within goal %s %s",
		g.Metric, g.Aggregate, formatValue(g, measured), g.Op, formatValue(g, g.Value))
	if err := c.driver.TransitionIntent(ctx, in.ID, model.IntentSatisfied, note); err != nil {
		c.log.WithField("intent", in.ID).WithError(err).Debug("satisfied transition rejected")
		return
	}
	st.status = model.IntentSatisfied

	if recovered && st.vioTick > 0 {
		if tick-st.vioTick <= oscillationWindow {
			st.oscillations++
		} else {
			st.oscillations = 0
		}
		if st.oscillations >= oscillationLimit {
			st.oscillations = 0
			st.pausedUntil = tick + pauseTicks
			c.blocks.Add(1)
			c.auditBlock(in, tick)
			c.log.WithField("intent", in.ID).Warn("oscillation detected, corrections paused")
		}
	}
}

func (c *Controller) auditBlock(in *model.Intent, tick int64) {
	ev := audit.NewEvent(audit.ActorFeedback, audit.ActionHysteresisBlock, audit.EntityIntent, in.ID).
		WithDetail("paused_ticks", pauseTicks).
		WithDetail("tick", tick)
	if err := audit.Log(ev); err != nil {
		c.log.WithError(err).Debug("audit write failed")
	}
}

// ============================================================================
// Corrective intents
// ============================================================================

// correct synthesizes and submits at most one corrective intent. The
// corrective re-enters the pipeline as plain text so it parses, compiles
// and supersedes exactly like an operator submission.
func (c *Controller) correct(ctx context.Context, in *model.Intent, st *intentState, measured float64, tick int64) bool {
	if tick < st.pausedUntil {
		c.log.WithField("intent", in.ID).Debug("corrections paused for oscillation")
		return false
	}
	if depth := c.correctionDepth(in); depth >= c.maxCorr {
		if !st.budgetWarned {
			st.budgetWarned = true
			ev := audit.NewEvent(audit.ActorFeedback, audit.ActionCorrective, audit.EntityIntent, in.ID).
				WithError(errors.New("correction budget exhausted")).
				WithDetail("depth", depth)
			if err := audit.Log(ev); err != nil {
				c.log.WithError(err).Debug("audit write failed")
			}
			c.log.WithFields(logrus.Fields{"intent": in.ID, "depth": depth}).
				Warn("correction budget exhausted, leaving intent violated")
		}
		return false
	}

	text, ok := correctiveText(in, measured)
	if !ok {
		return false
	}
	if err := c.driver.SubmitCorrective(ctx, text, in.ID); err != nil {
		c.log.WithFields(logrus.Fields{"intent": in.ID, "text": text}).
			WithError(err).Warn("corrective intent rejected")
		return false
	}
	c.corrections.Add(1)
	ev := audit.NewEvent(audit.ActorFeedback, audit.ActionCorrective, audit.EntityIntent, in.ID).
		WithDetail("text", text).
		WithDetail("measured", measured)
	if err := audit.Log(ev); err != nil {
		c.log.WithError(err).Debug("audit write failed")
	}
	c.log.WithFields(logrus.Fields{"intent": in.ID, "text": text}).Info("corrective intent submitted")
	return true
}

// correctiveText renders the stepped goal as intent text in the canonical
// form for the goal's grammar rule. The step is a fraction of the gap
// between measurement and goal, never below one canonical unit.
func correctiveText(in *model.Intent, measured float64) (string, bool) {
	g := in.Goal
	selector := goalSelector(in)
	if selector == "" {
		return "", false
	}

	switch g.Metric {
	case model.GoalLatencyMS:
		step := math.Max(minLatencyStepMS, correctionFraction*(measured-g.Value))
		bound := math.Max(minLatencyBoundMS, g.Value-step)
		if bound >= g.Value {
			return "", false
		}
		return fmt.Sprintf("reduce latency to %sms for %s", formatMS(bound), selector), true

	case model.GoalBandwidthBPS:
		step := math.Max(minRateStepBPS, correctionFraction*(measured-g.Value))
		bound := math.Max(minRateBoundBPS, g.Value-step)
		if bound >= g.Value {
			return "", false
		}
		return fmt.Sprintf("limit bandwidth to %s for %s", util.FormatBitRate(int64(math.Round(bound))), selector), true

	case model.GoalThroughputBPS:
		step := math.Max(minRateStepBPS, correctionFraction*(g.Value-measured))
		bound := g.Value + step
		return fmt.Sprintf("ensure throughput of %s for %s", util.FormatBitRate(int64(math.Round(bound))), selector), true
	}
	return "", false
}

// goalSelector recovers the target selector from the clause that declared
// the goal.
func goalSelector(in *model.Intent) string {
	want := model.IntentBandwidth
	if in.Goal.Metric == model.GoalLatencyMS {
		want = model.IntentLatency
	}
	for _, cl := range in.Parsed.Clauses() {
		if cl.Type == want && cl.TargetSelector != "" {
			return cl.TargetSelector
		}
	}
	return in.Parsed.TargetSelector
}

// correctionDepth counts the correctives already spawned from an
// intent, superseded ones included. Correctives carry no goal of their
// own, so the intent under evaluation is always the operator's original
// submission and its children are the whole chain.
func (c *Controller) correctionDepth(in *model.Intent) int {
	n, err := c.store.CorrectiveCount(in.ID)
	if err != nil {
		c.log.WithField("intent", in.ID).WithError(err).Debug("counting correctives failed")
		return 0
	}
	return n
}

// ============================================================================
// State bookkeeping
// ============================================================================

func (c *Controller) state(in *model.Intent, tick int64) *intentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[in.ID]
	if !ok {
		st = &intentState{status: in.Status}
		c.states[in.ID] = st
	}
	st.seen = tick
	return st
}

// prune drops damping state for intents that left the active set.
func (c *Controller) prune(tick int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.states {
		if st.seen != tick {
			delete(c.states, id)
		}
	}
}

func formatValue(g *model.Goal, v float64) string {
	if g.Metric == model.GoalLatencyMS {
		return formatMS(v) + "ms"
	}
	return util.FormatBitRate(int64(math.Round(v)))
}

// formatMS renders milliseconds with at most two decimals, in the form
// the latency grammar rule accepts.
func formatMS(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
