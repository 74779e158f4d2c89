// Package api exposes the controller over HTTP: intent submission and
// inspection, policy listings, the audit trail, health and the Prometheus
// exporter. Handlers translate HTTP to orchestrator calls and errors to
// JSON; all domain work happens behind the Service interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/auth"
	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/health"
	"github.com/shapewire-net/shapewire/pkg/model"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownGrace     = 5 * time.Second

	// maxBodyBytes bounds request bodies; intent text is a sentence.
	maxBodyBytes = 1 << 20

	// maxMetricTargets caps how many devices an intent detail response
	// fetches recent samples for.
	maxMetricTargets = 8
)

// Service is what the HTTP layer asks of the orchestrator.
type Service interface {
	Submit(ctx context.Context, text, submitter string) (*model.Intent, []*model.Policy, error)
	GetIntent(ctx context.Context, id string) (*model.Intent, []*model.Policy, error)
	ListIntents(ctx context.Context, f store.IntentFilter) ([]*model.Intent, error)
	RevokeIntent(ctx context.Context, id, actor string) error
	ListPolicies(ctx context.Context, f store.PolicyFilter) ([]*model.Policy, error)
	LastSamples(deviceID string, limit int) ([]model.MetricSample, error)
	AuditEvents(f audit.Filter) ([]*audit.Event, error)
	Health(ctx context.Context) *health.Report
}

// Authenticator issues and verifies sessions. *auth.Manager satisfies it.
type Authenticator interface {
	Login(username, password string) (*auth.Session, error)
	Authenticate(token string) (*auth.Session, error)
	Authorize(sess *auth.Session, p auth.Permission) error
	Revoke(token string)
}

// Server is the HTTP front end
type Server struct {
	svc     Service
	auth    Authenticator
	limiter *rateLimiter
	router  *mux.Router
	listen  string
	log     *logrus.Entry
}

// NewServer wires the router. The metrics handler is mounted at /metrics
// when non-nil so the exporter shares the API listener.
func NewServer(svc Service, authn Authenticator, metrics http.Handler, cfg config.APIConfig) *Server {
	s := &Server{
		svc:     svc,
		auth:    authn,
		limiter: newRateLimiter(cfg.RateLimits),
		listen:  cfg.Listen,
		log:     util.WithComponent("api"),
	}
	s.router = s.buildRouter(metrics)
	return s
}

// Handler returns the router for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	r.Handle("/health", s.rateLimited(classHigh, http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", s.rateLimited(classHigh, metrics)).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/auth/login", s.rateLimited(classAuth, http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	v1.Handle("/auth/logout", s.rateLimited(classAuth, http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	v1.Handle("/intents", s.rateLimited(classIntents, s.protected(auth.PermIntentSubmit, s.handleSubmit))).Methods(http.MethodPost)
	v1.Handle("/intents", s.rateLimited(classDefault, s.protected(auth.PermIntentView, s.handleListIntents))).Methods(http.MethodGet)
	v1.Handle("/intents/{id}", s.rateLimited(classDefault, s.protected(auth.PermIntentView, s.handleGetIntent))).Methods(http.MethodGet)
	v1.Handle("/intents/{id}", s.rateLimited(classIntents, s.protected(auth.PermIntentRevoke, s.handleRevoke))).Methods(http.MethodDelete)
	v1.Handle("/policies", s.rateLimited(classDefault, s.protected(auth.PermPolicyView, s.handleListPolicies))).Methods(http.MethodGet)
	v1.Handle("/audit", s.rateLimited(classDefault, s.protected(auth.PermAuditView, s.handleAudit))).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorKind(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorKind(w, http.StatusMethodNotAllowed, "not_found", "method not allowed")
	})
	return r
}

// Run serves until the context ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.WithField("listen", s.listen).Info("api listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}
