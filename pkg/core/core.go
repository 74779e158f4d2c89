// Package core wires the controller together: it owns the state store,
// the device catalog, both enforcement planes and the feedback loop, and
// runs the submission pipeline that turns intent text into enforced
// policies. The API layer talks to a Core; the Core talks to everything
// else.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/compiler"
	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/dataplane"
	"github.com/shapewire-net/shapewire/pkg/deviceplane"
	"github.com/shapewire-net/shapewire/pkg/feedback"
	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/metrics"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// Per-policy enforcement deadlines. Device deliveries wait out an ack
	// window, so they get more room than a tc invocation.
	dataPlaneTimeout   = 3 * time.Second
	devicePlaneTimeout = 10 * time.Second

	// Shutdown stops intake immediately and gives queued submissions this
	// long to finish before workers are cancelled.
	drainTimeout = 5 * time.Second

	submitQueueDepth = 64
	connectTimeout   = 10 * time.Second

	// Supervised worker restarts back off exponentially between these.
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second

	// A crash within this window keeps the workers health check degraded.
	crashGrace = time.Minute

	pruneInterval = time.Hour
	probeInterval = 15 * time.Second

	auditMaxSize    = 10 << 20
	auditMaxBackups = 5
)

// Deps are the externally constructed pieces a Core runs on. Store and
// Catalog are always concrete; Runner, Transport and Querier are
// interfaces so tests and the simulator can substitute fakes.
type Deps struct {
	Store     *store.Store
	Catalog   *catalog.Catalog
	Runner    dataplane.Runner
	Transport deviceplane.Transport

	// Querier overrides measurement sourcing. Nil selects Prometheus when
	// metrics.prometheus_url is configured, otherwise the store's own
	// telemetry history.
	Querier feedback.Querier
}

// Core is the controller. It implements the api.Service surface for the
// HTTP layer and the feedback.Driver surface for the evaluation loop.
type Core struct {
	cfg       *config.Config
	store     *store.Store
	catalog   *catalog.Catalog
	compiler  *compiler.Compiler
	data      *dataplane.Enforcer
	device    *deviceplane.Enforcer
	transport deviceplane.Transport
	loop      *feedback.Controller
	exporter  *metrics.Exporter
	checker   *health.Checker
	auditLog  audit.Logger

	submitCh chan job
	pending  atomic.Int64

	closing   atomic.Bool
	degraded  atomic.Bool
	reloadErr atomic.Value // string, last catalog reload failure
	crashes   atomic.Uint64
	lastCrash atomic.Int64 // unix nanos

	wg  sync.WaitGroup
	log *logrus.Entry
}

// New builds a Core over an opened store and loaded catalog. Pending
// schema migrations are applied here, before anything reads the store.
func New(cfg *config.Config, deps Deps) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config: %w", util.ErrConfigInvalid)
	}
	if deps.Store == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("core needs a store and a catalog: %w", util.ErrConfigInvalid)
	}
	if deps.Runner == nil || deps.Transport == nil {
		return nil, fmt.Errorf("core needs a dataplane runner and a device transport: %w", util.ErrConfigInvalid)
	}

	if err := deps.Store.Migrate(); err != nil {
		return nil, err
	}
	version, err := deps.Store.SchemaVersion()
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:       cfg,
		store:     deps.Store,
		catalog:   deps.Catalog,
		compiler:  compiler.New(cfg.DataPlane.Interface),
		transport: deps.Transport,
		submitCh:  make(chan job, submitQueueDepth),
		log:       util.WithComponent("core"),
	}
	c.reloadErr.Store("")

	c.data = dataplane.New(cfg.DataPlane.Interface, deps.Runner, dataPlaneTimeout)
	c.device = deviceplane.New(deps.Transport, cfg.MQTT.AckWindow(), devicePlaneTimeout)

	querier := deps.Querier
	if querier == nil {
		if cfg.Metrics.PrometheusURL != "" {
			querier, err = feedback.NewPromQuerier(cfg.Metrics.PrometheusURL)
			if err != nil {
				return nil, err
			}
		} else {
			querier = feedback.NewStoreQuerier(deps.Store)
		}
	}
	c.loop = feedback.New(deps.Store, c, querier, feedback.Config{
		Period:         cfg.Feedback.Period(),
		Tolerance:      cfg.Feedback.Tolerance,
		MaxCorrections: cfg.Feedback.MaxCorrections,
	})

	c.exporter = metrics.NewExporter(metrics.Sources{
		Tree:           c.data,
		Interface:      cfg.DataPlane.Interface,
		ActiveCounts:   deps.Store.ActiveCounts,
		Feedback:       c.loop.Stats,
		DroppedInbound: deps.Transport.DroppedInbound,
	}, cfg.Metrics.PollSeconds)

	c.auditLog = audit.NewStoreLogger(deps.Store)
	if cfg.AuditFile != "" {
		fl, err := audit.NewFileLogger(cfg.AuditFile, audit.RotationConfig{
			MaxSize:    auditMaxSize,
			MaxBackups: auditMaxBackups,
		})
		if err != nil {
			return nil, err
		}
		c.auditLog = audit.NewMultiLogger(audit.NewStoreLogger(deps.Store), fl)
	}
	// Feedback and auth audit through the package default logger.
	audit.SetDefaultLogger(c.auditLog)

	c.checker = health.NewChecker(time.Now(), version)
	c.registerChecks()
	return c, nil
}

// MetricsHandler serves the controller's Prometheus registry.
func (c *Core) MetricsHandler() http.Handler { return c.exporter.Handler() }

// ============================================================================
// Lifecycle
// ============================================================================

// Run brings the pipeline up and blocks until ctx ends: connect and
// subscribe the control bus, reconcile both planes against stored state,
// then start the workers. Shutdown stops intake, drains queued
// submissions for up to drainTimeout and disconnects the transport.
func (c *Core) Run(ctx context.Context) error {
	// Workers live on their own context so cancellation of ctx starts the
	// drain instead of killing in-flight submissions.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	connectCtx, cancel := context.WithTimeout(workCtx, connectTimeout)
	if err := c.transport.Connect(connectCtx); err != nil {
		c.log.Warnf("control bus unreachable, deliveries park until it returns: %v", err)
	}
	cancel()
	c.subscribeAll(c.catalog.Snapshot())

	c.anchor(workCtx, "dataplane", c.data.Run)
	c.anchor(workCtx, "deviceplane", c.device.Run)

	c.reconcileDataPlane(workCtx)

	c.supervise(workCtx, "submitter", c.submissionWorker)
	c.supervise(workCtx, "telemetry", c.telemetryWorker)
	c.supervise(workCtx, "status", c.statusWorker)
	c.supervise(workCtx, "reconnect", c.reconnectWorker)
	c.supervise(workCtx, "device-verify", func(ctx context.Context) error {
		c.verifyDevicePolicies(ctx, "startup")
		return nil
	})
	c.supervise(workCtx, "feedback", func(ctx context.Context) error {
		c.loop.Run(ctx)
		return nil
	})
	c.supervise(workCtx, "pruner", c.pruneWorker)
	c.supervise(workCtx, "store-probe", c.probeWorker)
	if c.cfg.Catalog.Watch {
		c.supervise(workCtx, "catalog-watch", func(ctx context.Context) error {
			return c.catalog.Watch(ctx, c.onCatalogReload)
		})
	}

	c.log.WithFields(logrus.Fields{
		"interface": c.cfg.DataPlane.Interface,
		"devices":   len(c.catalog.Snapshot().Devices()),
	}).Info("controller running")

	<-ctx.Done()

	c.closing.Store(true)
	c.drain()
	cancelWork()
	c.wg.Wait()
	c.transport.Close()
	c.log.Info("controller stopped")
	return nil
}

func (c *Core) drain() {
	if c.pending.Load() == 0 {
		return
	}
	c.log.Infof("draining %d queued submissions", c.pending.Load())
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-deadline.C:
			c.log.Warnf("drain window elapsed, abandoning %d submissions", c.pending.Load())
			return
		case <-tick.C:
		}
	}
}

func (c *Core) reconcileDataPlane(ctx context.Context) {
	if err := c.data.EnsureChains(ctx); err != nil {
		c.log.Warnf("preparing iptables chains: %v", err)
	}
	stored, err := c.store.AppliedPolicies(model.PlaneData)
	if err != nil {
		c.markDegraded("loading applied policies", err)
		return
	}
	snap := c.catalog.Snapshot()
	summary, err := c.data.Reconcile(ctx, snap, stored)
	ev := audit.NewEvent(audit.ActorSystem, audit.ActionReconcile, audit.EntitySystem, "").
		WithDetail("plane", string(model.PlaneData))
	if err != nil {
		c.log.Warnf("data plane reconcile: %v", err)
		c.audit(ev.WithError(err))
		return
	}
	c.log.WithFields(logrus.Fields{
		"checked":   summary.Checked,
		"reapplied": len(summary.Reapplied),
		"removed":   len(summary.Removed),
		"failed":    len(summary.Failed),
	}).Info("data plane reconciled")
	c.audit(ev.
		WithDetail("checked", summary.Checked).
		WithDetail("reapplied", len(summary.Reapplied)).
		WithDetail("removed", len(summary.Removed)).
		WithDetail("failed", len(summary.Failed)))
}

// subscribeAll points the transport at every catalog device's telemetry
// and status topics. Called at startup and again after catalog reloads;
// the transport dedupes and re-subscribes on reconnect itself.
func (c *Core) subscribeAll(snap *catalog.Snapshot) {
	var telemetry, status []string
	for _, d := range snap.Devices() {
		if d.TelemetryTopic != "" {
			telemetry = append(telemetry, d.TelemetryTopic)
		}
		if d.StatusTopic != "" {
			status = append(status, d.StatusTopic)
		}
	}
	if len(telemetry) > 0 {
		if err := c.transport.SubscribeTelemetry(telemetry...); err != nil {
			c.log.Warnf("subscribing telemetry topics: %v", err)
		}
	}
	if len(status) > 0 {
		if err := c.transport.SubscribeStatus(status...); err != nil {
			c.log.Warnf("subscribing status topics: %v", err)
		}
	}
}

func (c *Core) onCatalogReload(err error) {
	ev := audit.NewEvent(audit.ActorSystem, audit.ActionCatalogReload, audit.EntityCatalog, "")
	if err != nil {
		c.reloadErr.Store(err.Error())
		c.log.Warnf("catalog reload rejected, keeping last good snapshot: %v", err)
		c.audit(ev.WithError(err))
		return
	}
	c.reloadErr.Store("")
	snap := c.catalog.Snapshot()
	c.subscribeAll(snap)
	c.log.WithField("devices", len(snap.Devices())).Info("catalog reloaded")
	c.audit(ev.WithDetail("devices", len(snap.Devices())))
}

// ============================================================================
// Worker supervision
// ============================================================================

// anchor runs a lifecycle loop that owns channels and so cannot be
// restarted. A panic is recorded but final; the loop exits with its
// context.
func (c *Core) anchor(ctx context.Context, name string, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.runGuarded(ctx, name, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
		if err != nil {
			c.crashes.Add(1)
			c.lastCrash.Store(time.Now().UnixNano())
		}
	}()
}

// supervise runs fn in a goroutine and restarts it with exponential
// backoff when it panics or returns an error. A clean return, or any exit
// after the context ends, is final.
func (c *Core) supervise(ctx context.Context, name string, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		backoff := restartBackoffMin
		for {
			err := c.runGuarded(ctx, name, fn)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			c.crashes.Add(1)
			c.lastCrash.Store(time.Now().UnixNano())
			c.log.WithField("worker", name).Warnf("restarting in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
	}()
}

func (c *Core) runGuarded(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.WithField("worker", name).Errorf("worker panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// ============================================================================
// Housekeeping workers
// ============================================================================

func (c *Core) pruneWorker(ctx context.Context) error {
	c.pruneOnce()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pruneOnce()
		}
	}
}

func (c *Core) pruneOnce() {
	cutoff := time.Now().Add(-time.Duration(c.cfg.Store.RetentionHours) * time.Hour)
	n, err := c.store.PruneSamples(cutoff)
	if err != nil {
		c.log.Warnf("pruning telemetry history: %v", err)
		return
	}
	if n > 0 {
		c.log.WithField("samples", n).Debug("pruned telemetry history")
	}
}

// probeWorker pings the store while degraded so submissions reopen as
// soon as it recovers.
func (c *Core) probeWorker(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.degraded.Load() {
				continue
			}
			if err := c.store.Ping(); err == nil {
				c.degraded.Store(false)
				c.log.Info("state store recovered, accepting submissions")
			}
		}
	}
}

// markDegraded flips the controller into degraded mode on store
// unavailability. Enforcement and feedback keep running; only new
// submissions are refused until the probe sees the store again.
func (c *Core) markDegraded(op string, err error) {
	c.log.WithField("op", op).Errorf("store error: %v", err)
	if !errors.Is(err, util.ErrStoreUnavailable) {
		return
	}
	if !c.degraded.Swap(true) {
		c.log.Error("state store unavailable, rejecting new submissions")
	}
}

func (c *Core) audit(e *audit.Event) {
	if err := c.auditLog.Log(e); err != nil {
		c.log.WithField("action", e.Action).Debugf("audit write failed: %v", err)
	}
}

// ============================================================================
// Health
// ============================================================================

// Health runs every registered probe and reports the worst status.
func (c *Core) Health(ctx context.Context) *health.Report {
	return c.checker.Run(ctx)
}

func (c *Core) registerChecks() {
	c.checker.Register(
		health.CheckFn{Component: "store", Fn: func(ctx context.Context) (health.Status, string) {
			if err := c.store.Ping(); err != nil {
				return health.StatusCritical, err.Error()
			}
			if c.degraded.Load() {
				return health.StatusDegraded, "recovering, submissions still refused"
			}
			return health.StatusOK, fmt.Sprintf("sqlite at %s", c.store.Path())
		}},
		health.CheckFn{Component: "transport", Fn: func(ctx context.Context) (health.Status, string) {
			if !c.transport.Connected() {
				return health.StatusDegraded, "control bus session down, reconnecting"
			}
			if n := c.transport.DroppedInbound(); n > 0 {
				return health.StatusOK, fmt.Sprintf("connected, %d inbound messages dropped", n)
			}
			return health.StatusOK, "connected"
		}},
		health.CheckFn{Component: "dataplane", Fn: func(ctx context.Context) (health.Status, string) {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			tree, err := c.data.Show(probeCtx)
			if err != nil {
				return health.StatusDegraded, fmt.Sprintf("tc unreadable: %v", err)
			}
			return health.StatusOK, fmt.Sprintf("%d classes on %s", len(tree.Classes), c.data.Iface())
		}},
		health.CheckFn{Component: "catalog", Fn: func(ctx context.Context) (health.Status, string) {
			if msg, _ := c.reloadErr.Load().(string); msg != "" {
				return health.StatusDegraded, "last reload rejected: " + msg
			}
			return health.StatusOK, fmt.Sprintf("%d devices", len(c.catalog.Snapshot().Devices()))
		}},
		health.CheckFn{Component: "feedback", Fn: func(ctx context.Context) (health.Status, string) {
			s := c.loop.Stats()
			return health.StatusOK, fmt.Sprintf("%d evaluations, %d corrections, %d metric gaps",
				s.Evaluations, s.Corrections, s.Unavailable)
		}},
		health.CheckFn{Component: "workers", Fn: func(ctx context.Context) (health.Status, string) {
			crashes := c.crashes.Load()
			if crashes == 0 {
				return health.StatusOK, "no restarts"
			}
			last := time.Unix(0, c.lastCrash.Load())
			if time.Since(last) < crashGrace {
				return health.StatusDegraded, fmt.Sprintf("worker crashed %s ago (%d total)",
					time.Since(last).Round(time.Second), crashes)
			}
			return health.StatusOK, fmt.Sprintf("%d restarts, last %s ago",
				crashes, time.Since(last).Round(time.Minute))
		}},
	)
}
