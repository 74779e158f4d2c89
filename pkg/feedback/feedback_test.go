package feedback

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/parser"
	"github.com/shapewire-net/shapewire/pkg/util"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	intents []*model.Intent
}

func (s *fakeStore) add(in *model.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, in)
}

func (s *fakeStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.intents[:0]
	for _, in := range s.intents {
		if in.ID != id {
			out = append(out, in)
		}
	}
	s.intents = out
}

func (s *fakeStore) ActiveGoalIntents() ([]*model.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Intent
	for _, in := range s.intents {
		if in.Goal == nil {
			continue
		}
		switch in.Status {
		case model.IntentApplied, model.IntentSatisfied, model.IntentViolated:
			out = append(out, in)
		}
	}
	return out, nil
}

func (s *fakeStore) CorrectiveCount(parentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range s.intents {
		if in.ParentID == parentID {
			n++
		}
	}
	return n, nil
}

type transition struct {
	id   string
	to   model.IntentStatus
	note string
}

type corrective struct {
	text     string
	parentID string
}

type fakeDriver struct {
	mu          sync.Mutex
	transitions []transition
	correctives []corrective
	submitErr   error
}

func (d *fakeDriver) SubmitCorrective(_ context.Context, text, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	d.correctives = append(d.correctives, corrective{text: text, parentID: parentID})
	return nil
}

func (d *fakeDriver) TransitionIntent(_ context.Context, id string, to model.IntentStatus, note string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions = append(d.transitions, transition{id: id, to: to, note: note})
	return nil
}

func (d *fakeDriver) lastTransition() (transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transitions) == 0 {
		return transition{}, false
	}
	return d.transitions[len(d.transitions)-1], true
}

func (d *fakeDriver) correctiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.correctives)
}

// fakeQuerier returns a settable measurement.
type fakeQuerier struct {
	mu  sync.Mutex
	val float64
	err error
}

func (q *fakeQuerier) set(val float64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.val, q.err = val, err
}

func (q *fakeQuerier) Measure(context.Context, *model.Goal) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.val, q.err
}

// ============================================================================
// Helpers
// ============================================================================

func goalIntent(metric model.GoalMetric, op model.GoalOp, value float64, selector string) *model.Intent {
	itype := model.IntentBandwidth
	agg := model.AggMean
	if metric == model.GoalLatencyMS {
		itype = model.IntentLatency
		agg = model.AggP95
	}
	return &model.Intent{
		ID:      model.NewID(),
		RawText: "test intent",
		Parsed: model.ParsedIntent{
			Type:           itype,
			TargetSelector: selector,
		},
		Goal: &model.Goal{
			Metric:        metric,
			Op:            op,
			Value:         value,
			Aggregate:     agg,
			WindowSeconds: 30,
		},
		Status:      model.IntentApplied,
		Submitter:   "admin",
		SubmittedAt: time.Now(),
	}
}

func newHarness(t *testing.T) (*fakeStore, *fakeDriver, *fakeQuerier, *Controller) {
	t.Helper()
	store := &fakeStore{}
	driver := &fakeDriver{}
	querier := &fakeQuerier{}
	ctl := New(store, driver, querier, Config{})
	return store, driver, querier, ctl
}

// ============================================================================
// Evaluation
// ============================================================================

func TestTickToleranceBand(t *testing.T) {
	tests := []struct {
		name     string
		op       model.GoalOp
		value    float64
		measured float64
		want     model.IntentStatus
	}{
		{"le within", model.GoalLE, 100, 100, model.IntentSatisfied},
		{"le overshoot inside band", model.GoalLE, 100, 110, model.IntentSatisfied},
		{"le overshoot outside band", model.GoalLE, 100, 111, model.IntentViolated},
		{"le far below", model.GoalLE, 100, 10, model.IntentSatisfied},
		{"ge within", model.GoalGE, 100, 100, model.IntentSatisfied},
		{"ge shortfall inside band", model.GoalGE, 100, 90, model.IntentSatisfied},
		{"ge shortfall outside band", model.GoalGE, 100, 89, model.IntentViolated},
		{"ge far above", model.GoalGE, 100, 500, model.IntentSatisfied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, driver, querier, ctl := newHarness(t)
			metric := model.GoalLatencyMS
			if tt.op == model.GoalGE {
				metric = model.GoalThroughputBPS
			}
			store.add(goalIntent(metric, tt.op, tt.value, "sensor-01"))
			querier.set(tt.measured, nil)

			sum := ctl.Tick(context.Background())
			if sum.Evaluated != 1 {
				t.Fatalf("evaluated = %d, want 1", sum.Evaluated)
			}
			tr, ok := driver.lastTransition()
			if !ok {
				t.Fatal("no transition recorded")
			}
			if tr.to != tt.want {
				t.Fatalf("transitioned to %s, want %s", tr.to, tt.want)
			}
		})
	}
}

func TestTickMetricUnavailableKeepsStatus(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))
	querier.set(0, fmt.Errorf("scrape gap: %w", util.ErrMetricUnavailable))

	sum := ctl.Tick(context.Background())
	if sum.Unavailable != 1 {
		t.Fatalf("unavailable = %d, want 1", sum.Unavailable)
	}
	if _, ok := driver.lastTransition(); ok {
		t.Fatal("status changed on unavailable metric")
	}
	if got := ctl.Stats().Unavailable; got != 1 {
		t.Fatalf("Stats().Unavailable = %d, want 1", got)
	}
}

func TestTickSatisfiedAfterViolation(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	in := goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01")
	store.add(in)

	querier.set(40, nil)
	ctl.Tick(context.Background())
	querier.set(18, nil)
	ctl.Tick(context.Background())

	tr, ok := driver.lastTransition()
	if !ok || tr.to != model.IntentSatisfied {
		t.Fatalf("last transition = %+v, want satisfied", tr)
	}
	if tr.id != in.ID {
		t.Fatalf("transition for %s, want %s", tr.id, in.ID)
	}
}

func TestTickRepeatedViolationTransitionsOnce(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))
	querier.set(40, nil)

	ctl.Tick(context.Background())
	ctl.Tick(context.Background())

	driver.mu.Lock()
	transitions := len(driver.transitions)
	driver.mu.Unlock()
	if transitions != 1 {
		t.Fatalf("transitions = %d, want 1", transitions)
	}
}

// ============================================================================
// Corrective intents
// ============================================================================

func TestCorrectiveText(t *testing.T) {
	tests := []struct {
		name     string
		metric   model.GoalMetric
		op       model.GoalOp
		value    float64
		measured float64
		want     string
	}{
		{
			name:   "latency steps by fraction of gap",
			metric: model.GoalLatencyMS, op: model.GoalLE,
			value: 20, measured: 40,
			want: "reduce latency to 16ms for sensor-01",
		},
		{
			name:   "latency small gap takes minimum step",
			metric: model.GoalLatencyMS, op: model.GoalLE,
			value: 5, measured: 6,
			want: "reduce latency to 4ms for sensor-01",
		},
		{
			name:   "bandwidth cap tightens",
			metric: model.GoalBandwidthBPS, op: model.GoalLE,
			value: 409600, measured: 460800,
			want: "limit bandwidth to 399360bit for sensor-01",
		},
		{
			name:   "throughput floor raises",
			metric: model.GoalThroughputBPS, op: model.GoalGE,
			value: 512000, measured: 384000,
			want: "ensure throughput of 537600bit for sensor-01",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := goalIntent(tt.metric, tt.op, tt.value, "sensor-01")
			got, ok := correctiveText(in, tt.measured)
			if !ok {
				t.Fatal("no corrective text produced")
			}
			if got != tt.want {
				t.Fatalf("corrective = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCorrectiveTextAtFloor(t *testing.T) {
	in := goalIntent(model.GoalLatencyMS, model.GoalLE, 1, "sensor-01")
	if text, ok := correctiveText(in, 1.5); ok {
		t.Fatalf("corrective %q produced below the 1ms floor", text)
	}
}

// TestCorrectiveTextParses feeds every synthesized form back through the
// real grammar: a corrective that the parser rejects would dead-end the
// loop.
func TestCorrectiveTextParses(t *testing.T) {
	snap, err := catalog.NewLoader(filepath.Join("..", "..", "configs")).Load()
	if err != nil {
		t.Fatalf("loading repo configs: %v", err)
	}

	tests := []struct {
		name     string
		metric   model.GoalMetric
		op       model.GoalOp
		value    float64
		measured float64
		wantType model.IntentType
	}{
		{"latency", model.GoalLatencyMS, model.GoalLE, 20, 40, model.IntentLatency},
		{"fractional latency", model.GoalLatencyMS, model.GoalLE, 2.5, 3, model.IntentLatency},
		{"bandwidth", model.GoalBandwidthBPS, model.GoalLE, 409600, 460800, model.IntentBandwidth},
		{"throughput", model.GoalThroughputBPS, model.GoalGE, 512000, 384000, model.IntentBandwidth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := goalIntent(tt.metric, tt.op, tt.value, "sensor-01")
			text, ok := correctiveText(in, tt.measured)
			if !ok {
				t.Fatal("no corrective text produced")
			}
			parsed, err := parser.Parse(snap, text)
			if err != nil {
				t.Fatalf("parsing corrective %q: %v", text, err)
			}
			if parsed.Type != tt.wantType {
				t.Fatalf("parsed type = %s, want %s", parsed.Type, tt.wantType)
			}
			if parsed.TargetSelector != "sensor-01" {
				t.Fatalf("parsed selector = %q, want sensor-01", parsed.TargetSelector)
			}
		})
	}
}

func TestViolationSubmitsCorrective(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	in := goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01")
	store.add(in)
	querier.set(40, nil)

	sum := ctl.Tick(context.Background())
	if sum.Corrections != 1 {
		t.Fatalf("corrections = %d, want 1", sum.Corrections)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.correctives) != 1 {
		t.Fatalf("correctives = %d, want 1", len(driver.correctives))
	}
	got := driver.correctives[0]
	if got.parentID != in.ID {
		t.Fatalf("parentID = %s, want %s", got.parentID, in.ID)
	}
	if got.text != "reduce latency to 16ms for sensor-01" {
		t.Fatalf("corrective text = %q", got.text)
	}
}

// correctiveIntent mirrors what the intake stores for a corrective: the
// feedback submitter and the parent link, no goal of its own.
func correctiveIntent(text, parentID string) *model.Intent {
	return &model.Intent{
		ID:          model.NewID(),
		RawText:     text,
		Status:      model.IntentApplied,
		Submitter:   audit.ActorFeedback,
		ParentID:    parentID,
		SubmittedAt: time.Now(),
	}
}

func TestCorrectionBudgetStopsChain(t *testing.T) {
	store := &fakeStore{}
	driver := &fakeDriver{}
	querier := &fakeQuerier{}
	ctl := New(store, driver, querier, Config{MaxCorrections: 2})

	// The operator's intent keeps the goal; two correctives have already
	// been spawned from it, the older one superseded by the newer.
	parent := goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01")
	store.add(parent)
	older := correctiveIntent("reduce latency to 16ms for sensor-01", parent.ID)
	older.Status = model.IntentSuperseded
	store.add(older)
	store.add(correctiveIntent("reduce latency to 12ms for sensor-01", parent.ID))

	querier.set(40, nil)
	ctl.Tick(context.Background())

	if n := driver.correctiveCount(); n != 0 {
		t.Fatalf("correctives = %d, want 0 with exhausted budget", n)
	}
	tr, ok := driver.lastTransition()
	if !ok || tr.to != model.IntentViolated {
		t.Fatalf("last transition = %+v, want violated", tr)
	}
}

// loopbackDriver feeds accepted correctives back into the store the way
// the intake does, so successive ticks see the growing chain.
type loopbackDriver struct {
	fakeDriver
	store *fakeStore
}

func (d *loopbackDriver) SubmitCorrective(ctx context.Context, text, parentID string) error {
	if err := d.fakeDriver.SubmitCorrective(ctx, text, parentID); err != nil {
		return err
	}
	d.store.add(correctiveIntent(text, parentID))
	return nil
}

func TestCorrectionBudgetBoundsPinnedViolation(t *testing.T) {
	store := &fakeStore{}
	driver := &loopbackDriver{store: store}
	querier := &fakeQuerier{}
	ctl := New(store, driver, querier, Config{MaxCorrections: 2})

	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))
	// The measurement never moves, so every tick sees a violation.
	querier.set(40, nil)

	for i := 0; i < 6; i++ {
		ctl.Tick(context.Background())
	}
	if n := driver.correctiveCount(); n != 2 {
		t.Fatalf("correctives after 6 ticks = %d, want the budget of 2", n)
	}
}

func TestCorrectiveRejectionLeavesIntentViolated(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	driver.submitErr = errors.New("compile conflict")
	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))
	querier.set(40, nil)

	sum := ctl.Tick(context.Background())
	if sum.Corrections != 0 {
		t.Fatalf("corrections = %d, want 0", sum.Corrections)
	}
	tr, ok := driver.lastTransition()
	if !ok || tr.to != model.IntentViolated {
		t.Fatalf("last transition = %+v, want violated", tr)
	}
}

// ============================================================================
// Oscillation damping
// ============================================================================

func TestOscillationPausesCorrections(t *testing.T) {
	store, driver, querier, ctl := newHarness(t)
	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))

	// Three quick violate-recover cycles in a row.
	for i := 0; i < 3; i++ {
		querier.set(40, nil)
		ctl.Tick(context.Background())
		querier.set(18, nil)
		ctl.Tick(context.Background())
	}
	if got := ctl.Stats().Blocks; got != 1 {
		t.Fatalf("Stats().Blocks = %d, want 1", got)
	}
	before := driver.correctiveCount()

	// The next violation falls inside the pause window: no new corrective.
	querier.set(40, nil)
	ctl.Tick(context.Background())
	if got := driver.correctiveCount(); got != before {
		t.Fatalf("corrective submitted during pause: %d -> %d", before, got)
	}
}

func TestSlowRecoveryDoesNotCountAsOscillation(t *testing.T) {
	store, _, querier, ctl := newHarness(t)
	store.add(goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01"))

	for i := 0; i < 3; i++ {
		querier.set(40, nil)
		ctl.Tick(context.Background())
		// Stay violated past the oscillation window before recovering.
		for j := 0; j < oscillationWindow+1; j++ {
			ctl.Tick(context.Background())
		}
		querier.set(18, nil)
		ctl.Tick(context.Background())
	}
	if got := ctl.Stats().Blocks; got != 0 {
		t.Fatalf("Stats().Blocks = %d, want 0 for slow cycles", got)
	}
}

func TestPruneDropsDepartedIntents(t *testing.T) {
	store, _, querier, ctl := newHarness(t)
	in := goalIntent(model.GoalLatencyMS, model.GoalLE, 20, "sensor-01")
	store.add(in)
	querier.set(40, nil)

	ctl.Tick(context.Background())
	if len(ctl.states) != 1 {
		t.Fatalf("states = %d, want 1", len(ctl.states))
	}
	store.remove(in.ID)
	ctl.Tick(context.Background())
	if len(ctl.states) != 0 {
		t.Fatalf("states = %d, want 0 after prune", len(ctl.states))
	}
}

// ============================================================================
// Queriers
// ============================================================================

type fakeSamples struct {
	samples []model.MetricSample
	err     error
}

func (f *fakeSamples) SamplesSince(string, string, time.Time) ([]model.MetricSample, error) {
	return f.samples, f.err
}

func samplesOf(values ...float64) []model.MetricSample {
	out := make([]model.MetricSample, len(values))
	for i, v := range values {
		out[i] = model.MetricSample{Metric: "latency_ms", DeviceID: "sensor-01", Value: v, Timestamp: time.Now()}
	}
	return out
}

func TestStoreQuerierAggregates(t *testing.T) {
	tests := []struct {
		name   string
		agg    model.GoalAggregate
		values []float64
		want   float64
	}{
		{"mean", model.AggMean, []float64{10, 20, 30}, 20},
		{"max", model.AggMax, []float64{10, 40, 30}, 40},
		{"p95 small set", model.AggP95, []float64{10, 20, 30, 40}, 40},
		{"p95 twenty values", model.AggP95, seq(1, 20), 19},
		{"single sample", model.AggMean, []float64{7}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewStoreQuerier(&fakeSamples{samples: samplesOf(tt.values...)})
			goal := &model.Goal{Metric: model.GoalLatencyMS, Op: model.GoalLE, Value: 1, Aggregate: tt.agg, WindowSeconds: 30}
			got, err := q.Measure(context.Background(), goal)
			if err != nil {
				t.Fatalf("Measure: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Measure = %v, want %v", got, tt.want)
			}
		})
	}
}

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float64(i))
	}
	return out
}

func TestStoreQuerierNoSamples(t *testing.T) {
	q := NewStoreQuerier(&fakeSamples{})
	goal := &model.Goal{Metric: model.GoalLatencyMS, Op: model.GoalLE, Value: 20, Aggregate: model.AggP95}
	_, err := q.Measure(context.Background(), goal)
	if !errors.Is(err, util.ErrMetricUnavailable) {
		t.Fatalf("err = %v, want ErrMetricUnavailable", err)
	}
}

func TestPromQueryForms(t *testing.T) {
	tests := []struct {
		name string
		goal model.Goal
		want string
	}{
		{
			name: "latency p95 single device",
			goal: model.Goal{Metric: model.GoalLatencyMS, Op: model.GoalLE, Aggregate: model.AggP95, WindowSeconds: 30, DeviceID: "sensor-01"},
			want: `quantile_over_time(0.95, iot_latency_ms{node_id="sensor-01"}[30s])`,
		},
		{
			name: "latency mean fleet wide",
			goal: model.Goal{Metric: model.GoalLatencyMS, Op: model.GoalLE, Aggregate: model.AggMean, WindowSeconds: 30},
			want: `avg_over_time(iot_latency_ms[30s])`,
		},
		{
			name: "latency max custom window",
			goal: model.Goal{Metric: model.GoalLatencyMS, Op: model.GoalLE, Aggregate: model.AggMax, WindowSeconds: 60, DeviceID: "cam-01"},
			want: `max_over_time(iot_latency_ms{node_id="cam-01"}[60s])`,
		},
		{
			name: "bandwidth rate from byte counter",
			goal: model.Goal{Metric: model.GoalBandwidthBPS, Op: model.GoalLE, Aggregate: model.AggMean, WindowSeconds: 30, DeviceID: "cam-01"},
			want: `rate(iot_bandwidth_bytes{node_id="cam-01"}[30s]) * 8`,
		},
		{
			name: "throughput defaults window",
			goal: model.Goal{Metric: model.GoalThroughputBPS, Op: model.GoalGE, Aggregate: model.AggMean},
			want: `rate(iot_bandwidth_bytes[30s]) * 8`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := promQuery(&tt.goal); got != tt.want {
				t.Fatalf("promQuery = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorstOf(t *testing.T) {
	values := []float64{10, 42, 7}
	if got := worstOf(model.GoalLE, values); got != 42 {
		t.Fatalf("worstOf(le) = %v, want 42", got)
	}
	if got := worstOf(model.GoalGE, values); got != 7 {
		t.Fatalf("worstOf(ge) = %v, want 7", got)
	}
}
