package feedback

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"

	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// Querier answers one goal measurement. Implementations return
// util.ErrMetricUnavailable (wrapped) when no usable observation exists.
type Querier interface {
	Measure(ctx context.Context, goal *model.Goal) (float64, error)
}

const promQueryTimeout = 5 * time.Second

// ============================================================================
// Prometheus querier
// ============================================================================

// PromQuerier evaluates goals against a Prometheus server. Latency goals
// read the device gauge over the goal window; rate goals derive bits per
// second from the byte counter.
type PromQuerier struct {
	api promv1.API
}

// NewPromQuerier builds a querier for the given base URL.
func NewPromQuerier(baseURL string) (*PromQuerier, error) {
	client, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("building prometheus client for %s: %w", baseURL, err)
	}
	return &PromQuerier{api: promv1.NewAPI(client)}, nil
}

// Measure runs the goal's query and reduces the result vector to the worst
// observation: the maximum for upper bounds, the minimum for floors.
func (q *PromQuerier) Measure(ctx context.Context, goal *model.Goal) (float64, error) {
	query := promQuery(goal)
	qctx, cancel := context.WithTimeout(ctx, promQueryTimeout)
	defer cancel()

	val, _, err := q.api.Query(qctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("querying %q: %w: %v", query, util.ErrMetricUnavailable, err)
	}

	var values []float64
	switch v := val.(type) {
	case prommodel.Vector:
		for _, s := range v {
			values = append(values, float64(s.Value))
		}
	case *prommodel.Scalar:
		values = append(values, float64(v.Value))
	}
	values = dropNaN(values)
	if len(values) == 0 {
		return 0, fmt.Errorf("query %q returned no samples: %w", query, util.ErrMetricUnavailable)
	}
	return worstOf(goal.Op, values), nil
}

// promQuery builds the PromQL for one goal.
func promQuery(goal *model.Goal) string {
	window := fmt.Sprintf("%ds", goalWindow(goal))
	selector := ""
	if goal.DeviceID != "" {
		selector = fmt.Sprintf(`{node_id=%q}`, goal.DeviceID)
	}

	switch goal.Metric {
	case model.GoalLatencyMS:
		series := fmt.Sprintf("iot_latency_ms%s[%s]", selector, window)
		switch goal.Aggregate {
		case model.AggP95:
			return fmt.Sprintf("quantile_over_time(0.95, %s)", series)
		case model.AggMax:
			return fmt.Sprintf("max_over_time(%s)", series)
		default:
			return fmt.Sprintf("avg_over_time(%s)", series)
		}
	default:
		// Both rate goals read the byte counter as bits per second.
		return fmt.Sprintf("rate(iot_bandwidth_bytes%s[%s]) * 8", selector, window)
	}
}

func goalWindow(goal *model.Goal) int {
	if goal.WindowSeconds > 0 {
		return goal.WindowSeconds
	}
	return 30
}

// worstOf reduces a multi-device result to the observation most likely to
// break the goal.
func worstOf(op model.GoalOp, values []float64) float64 {
	worst := values[0]
	for _, v := range values[1:] {
		if (op == model.GoalLE && v > worst) || (op == model.GoalGE && v < worst) {
			worst = v
		}
	}
	return worst
}

func dropNaN(values []float64) []float64 {
	out := values[:0]
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// Store querier
// ============================================================================

// SampleSource is the slice of the state store the fallback querier needs.
type SampleSource interface {
	SamplesSince(metric, deviceID string, since time.Time) ([]model.MetricSample, error)
}

// StoreQuerier aggregates samples from the state store's metrics history.
// It serves deployments without a Prometheus server.
type StoreQuerier struct {
	source SampleSource
}

// NewStoreQuerier builds the store-backed querier.
func NewStoreQuerier(source SampleSource) *StoreQuerier {
	return &StoreQuerier{source: source}
}

// Measure aggregates the goal's metric over its window.
func (q *StoreQuerier) Measure(ctx context.Context, goal *model.Goal) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	since := time.Now().Add(-time.Duration(goalWindow(goal)) * time.Second)
	samples, err := q.source.SamplesSince(storeMetric(goal.Metric), goal.DeviceID, since)
	if err != nil {
		return 0, fmt.Errorf("loading %s samples: %w: %v", goal.Metric, util.ErrMetricUnavailable, err)
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("no %s samples in the last %ds: %w", goal.Metric, goalWindow(goal), util.ErrMetricUnavailable)
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return aggregate(goal.Aggregate, values), nil
}

// storeMetric names the metrics_history series for a goal. Both rate goals
// read the bandwidth series, mirroring the Prometheus byte counter.
func storeMetric(m model.GoalMetric) string {
	if m == model.GoalThroughputBPS {
		return string(model.GoalBandwidthBPS)
	}
	return string(m)
}

// aggregate reduces a window of samples per the goal's aggregate function.
func aggregate(agg model.GoalAggregate, values []float64) float64 {
	switch agg {
	case model.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case model.AggP95:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	default:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}
