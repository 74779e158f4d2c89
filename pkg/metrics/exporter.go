// Package metrics exposes the controller's Prometheus series: live tc
// counters read from the data plane, enforcement outcomes, feedback loop
// activity and store occupancy. The exporter owns its registry so tests
// and embedders never collide with the default one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/feedback"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// DefaultPollSeconds bounds how often the tc collector re-reads interface
// stats when scrapes arrive faster than that.
const DefaultPollSeconds = 15

// Sources are the live values the exporter samples at scrape time. Nil
// members disable their series.
type Sources struct {
	// Tree reads data-plane class and qdisc state, labeled with Interface.
	Tree      TreeSource
	Interface string

	// ActiveCounts reports non-terminal intents and applied policies.
	ActiveCounts func() (intents, policies int, err error)

	// Feedback snapshots the feedback loop counters.
	Feedback func() feedback.Stats

	// DroppedInbound counts telemetry discarded by the device transport.
	DroppedInbound func() uint64
}

// Exporter registers and serves the controller's series
type Exporter struct {
	registry *prometheus.Registry

	enforcements       *prometheus.CounterVec
	enforcementLatency prometheus.Histogram

	log *logrus.Entry
}

// NewExporter builds a registry holding the controller series plus the
// standard Go and process collectors. pollSeconds throttles tc reads;
// zero means DefaultPollSeconds.
func NewExporter(src Sources, pollSeconds int) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		log:      util.WithComponent("metrics"),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e.enforcements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibs_policy_enforcement_total",
		Help: "Policy enforcement attempts by policy type and outcome.",
	}, []string{"policy_type", "status"})
	e.enforcementLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ibs_policy_enforcement_latency_seconds",
		Help:    "Time from dispatching a policy to its enforcement result.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	e.registry.MustRegister(e.enforcements, e.enforcementLatency)

	if src.Tree != nil {
		if pollSeconds <= 0 {
			pollSeconds = DefaultPollSeconds
		}
		e.registry.MustRegister(newTCCollector(src.Tree, src.Interface,
			time.Duration(pollSeconds)*time.Second, e.log))
	}
	if src.ActiveCounts != nil {
		e.registry.MustRegister(&activeCollector{counts: src.ActiveCounts, log: e.log})
	}
	if src.Feedback != nil {
		e.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "ibs_feedback_evaluations_total",
				Help: "Goal evaluations performed by the feedback loop.",
			}, func() float64 { return float64(src.Feedback().Evaluations) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "ibs_feedback_corrections_total",
				Help: "Corrective intents submitted by the feedback loop.",
			}, func() float64 { return float64(src.Feedback().Corrections) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "ibs_metric_unavailable_total",
				Help: "Goal evaluations skipped because no measurement was available.",
			}, func() float64 { return float64(src.Feedback().Unavailable) }),
		)
	}
	if src.DroppedInbound != nil {
		e.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "ibs_telemetry_dropped_total",
			Help: "Telemetry messages discarded because the ingest queue was full.",
		}, func() float64 { return float64(src.DroppedInbound()) }))
	}
	return e
}

// Handler serves the registry in the Prometheus text format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for embedders
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveEnforcement records one enforcement attempt and its duration
func (e *Exporter) ObserveEnforcement(kind model.PolicyKind, status model.PolicyStatus, elapsed time.Duration) {
	e.enforcements.WithLabelValues(string(kind), string(status)).Inc()
	e.enforcementLatency.Observe(elapsed.Seconds())
}

var (
	intentActiveDesc = prometheus.NewDesc("ibs_intent_active",
		"Intents currently in a non-terminal status.", nil, nil)
	policyActiveDesc = prometheus.NewDesc("ibs_policy_active",
		"Policies currently applied or awaiting delivery.", nil, nil)
)

// activeCollector reads both occupancy gauges with a single store query
// per scrape.
type activeCollector struct {
	counts func() (int, int, error)
	log    *logrus.Entry
}

func (c *activeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- intentActiveDesc
	ch <- policyActiveDesc
}

func (c *activeCollector) Collect(ch chan<- prometheus.Metric) {
	intents, policies, err := c.counts()
	if err != nil {
		c.log.WithError(err).Debug("reading active counts failed")
		return
	}
	ch <- prometheus.MustNewConstMetric(intentActiveDesc, prometheus.GaugeValue, float64(intents))
	ch <- prometheus.MustNewConstMetric(policyActiveDesc, prometheus.GaugeValue, float64(policies))
}
