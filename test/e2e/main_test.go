//go:build e2e

// Package e2e_test drives a fully wired controller end to end: the HTTP
// API over a live core with a temp sqlite store, the checked-in catalog,
// a dry-run data plane and an in-memory control bus. Tests talk to the
// controller through pkg/client only, the way the operator CLI does.
package e2e_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shapewire-net/shapewire/internal/testutil"
	"github.com/shapewire-net/shapewire/pkg/api"
	"github.com/shapewire-net/shapewire/pkg/auth"
	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/client"
	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/core"
	"github.com/shapewire-net/shapewire/pkg/dataplane"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

func TestMain(m *testing.M) {
	if err := util.SetLogLevel("error"); err != nil {
		fmt.Fprintf(os.Stderr, "setting log level: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

const (
	operatorUser = "op"
	viewerUser   = "ro"
	testPassword = "shapewire-e2e"
)

// stack is one running controller and a logged-in operator client.
type stack struct {
	core    *core.Core
	store   *store.Store
	catalog *catalog.Catalog
	runner  *dataplane.DryRunner
	bus     *testutil.FakeTransport
	querier *scriptedQuerier
	cli     *client.Client
	baseURL string
}

// startStack boots the whole controller against fakes and logs in as the
// operator. tune adjusts the config before the core is built; tests that
// need feedback ticks dial the period down there.
func startStack(t *testing.T, tune func(*config.Config)) *stack {
	t.Helper()

	st := testutil.TempStore(t)
	cat := testutil.LoadCatalog(t)
	runner := dataplane.NewDryRunner()
	bus := testutil.NewFakeTransport()
	querier := newScriptedQuerier()

	cfg := config.Default()
	cfg.Catalog.Watch = false
	cfg.MQTT.AckWindowMS = 2000
	cfg.Feedback.PeriodSeconds = 3600
	if tune != nil {
		tune(cfg)
	}

	ctrl, err := core.New(cfg, core.Deps{
		Store:     st,
		Catalog:   cat,
		Runner:    runner,
		Transport: bus,
		Querier:   querier,
	})
	if err != nil {
		t.Fatalf("building core: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	for user, role := range map[string]string{operatorUser: "operator", viewerUser: "viewer"} {
		if err := st.CreateUser(&store.User{Username: user, PasswordHash: hash, Role: role}); err != nil {
			t.Fatalf("creating user %s: %v", user, err)
		}
	}

	authn := auth.NewManager(st, time.Hour)
	srv := httptest.NewServer(api.NewServer(ctrl, authn, ctrl.MetricsHandler(), cfg.API).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("core run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("controller did not stop")
		}
	})

	cli := client.New(srv.URL, "")
	if _, err := cli.Login(context.Background(), operatorUser, testPassword); err != nil {
		t.Fatalf("operator login: %v", err)
	}

	return &stack{
		core:    ctrl,
		store:   st,
		catalog: cat,
		runner:  runner,
		bus:     bus,
		querier: querier,
		cli:     cli,
		baseURL: srv.URL,
	}
}

// submit sends one intent sentence and fails the test on any error.
func (s *stack) submit(t *testing.T, text string) *client.SubmitResult {
	t.Helper()
	res, err := s.cli.Submit(testutil.Context(t), text, "")
	if err != nil {
		t.Fatalf("submit %q: %v", text, err)
	}
	return res
}

// waitIntentStatus polls the API until the intent reaches want.
func (s *stack) waitIntentStatus(t *testing.T, id string, want model.IntentStatus) *client.IntentDetail {
	t.Helper()
	ctx := testutil.Context(t)
	var detail *client.IntentDetail
	testutil.WaitUntil(t, fmt.Sprintf("intent %s to reach %s", id, want), func() bool {
		d, err := s.cli.Intent(ctx, id)
		if err != nil {
			return false
		}
		detail = d
		return d.Intent.Status == want
	})
	return detail
}

// viewerClient logs in the read-only account.
func (s *stack) viewerClient(t *testing.T) *client.Client {
	t.Helper()
	cli := client.New(s.baseURL, "")
	if _, err := cli.Login(context.Background(), viewerUser, testPassword); err != nil {
		t.Fatalf("viewer login: %v", err)
	}
	return cli
}

// scriptedQuerier answers goal measurements with a test-controlled value.
// Until a value is set it reports metric_unavailable, the way a fresh
// Prometheus with no scraped samples would.
type scriptedQuerier struct {
	mu  sync.Mutex
	val float64
	set bool
}

func newScriptedQuerier() *scriptedQuerier { return &scriptedQuerier{} }

func (q *scriptedQuerier) Set(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.val, q.set = v, true
}

func (q *scriptedQuerier) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.set = false
}

func (q *scriptedQuerier) Measure(_ context.Context, _ *model.Goal) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.set {
		return 0, fmt.Errorf("no scripted measurement: %w", util.ErrMetricUnavailable)
	}
	return q.val, nil
}
