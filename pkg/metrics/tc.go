package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/dataplane"
)

// showTimeout bounds one tc read at scrape time
const showTimeout = 5 * time.Second

// TreeSource reads live traffic-control state. *dataplane.Enforcer
// satisfies it.
type TreeSource interface {
	Show(ctx context.Context) (*dataplane.Tree, error)
}

var tcLabels = []string{"interface", "classid"}

// tcCollector mirrors kernel tc counters into the registry. Reads are
// throttled to minAge so aggressive scrapers cannot hammer the interface;
// within that window the previous tree is served again.
type tcCollector struct {
	src    TreeSource
	iface  string
	minAge time.Duration
	log    *logrus.Entry

	mu     sync.Mutex
	cached *dataplane.Tree
	readAt time.Time

	bytesDesc      *prometheus.Desc
	packetsDesc    *prometheus.Desc
	droppedDesc    *prometheus.Desc
	overlimitsDesc *prometheus.Desc
	rateDesc       *prometheus.Desc
	delayDesc      *prometheus.Desc
	prioDesc       *prometheus.Desc
}

func newTCCollector(src TreeSource, iface string, minAge time.Duration, log *logrus.Entry) *tcCollector {
	return &tcCollector{
		src:    src,
		iface:  iface,
		minAge: minAge,
		log:    log,
		bytesDesc: prometheus.NewDesc("ibs_tc_bandwidth_bytes_total",
			"Bytes sent through a shaping class.", tcLabels, nil),
		packetsDesc: prometheus.NewDesc("ibs_tc_packets_total",
			"Packets sent through a shaping class.", tcLabels, nil),
		droppedDesc: prometheus.NewDesc("ibs_tc_dropped_total",
			"Packets dropped by a shaping class.", tcLabels, nil),
		overlimitsDesc: prometheus.NewDesc("ibs_tc_overlimits_total",
			"Over-limit events on a shaping class.", tcLabels, nil),
		rateDesc: prometheus.NewDesc("ibs_tc_configured_rate_bps",
			"Configured class rate in bits per second.", tcLabels, nil),
		delayDesc: prometheus.NewDesc("ibs_tc_configured_delay_ms",
			"Configured netem delay on a class in milliseconds.", tcLabels, nil),
		prioDesc: prometheus.NewDesc("ibs_tc_configured_priority",
			"Configured class priority.", tcLabels, nil),
	}
}

func (c *tcCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesDesc
	ch <- c.packetsDesc
	ch <- c.droppedDesc
	ch <- c.overlimitsDesc
	ch <- c.rateDesc
	ch <- c.delayDesc
	ch <- c.prioDesc
}

func (c *tcCollector) Collect(ch chan<- prometheus.Metric) {
	tree := c.tree()
	if tree == nil {
		return
	}
	for classid, cls := range tree.Classes {
		labels := []string{c.iface, classid}
		ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue,
			float64(cls.Stats.SentBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue,
			float64(cls.Stats.SentPkts), labels...)
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue,
			float64(cls.Stats.Dropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.overlimitsDesc, prometheus.CounterValue,
			float64(cls.Stats.Overlimits), labels...)
		if bits, ok := dataplane.TCRateBits(cls.Rate); ok {
			ch <- prometheus.MustNewConstMetric(c.rateDesc, prometheus.GaugeValue,
				float64(bits), labels...)
		}
		ch <- prometheus.MustNewConstMetric(c.prioDesc, prometheus.GaugeValue,
			float64(cls.Prio), labels...)
		if netem, ok := tree.NetemByParent(classid); ok {
			ch <- prometheus.MustNewConstMetric(c.delayDesc, prometheus.GaugeValue,
				netem.DelayMS, labels...)
		}
	}
}

// tree returns the cached state, re-reading when it has aged out. A failed
// read keeps serving the previous tree.
func (c *tcCollector) tree() *dataplane.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.readAt) < c.minAge {
		return c.cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), showTimeout)
	defer cancel()
	tree, err := c.src.Show(ctx)
	if err != nil {
		c.log.WithField("interface", c.iface).WithError(err).Debug("reading tc stats failed")
		return c.cached
	}
	c.cached = tree
	c.readAt = time.Now()
	return tree
}
