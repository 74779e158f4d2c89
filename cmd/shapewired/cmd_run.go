package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/api"
	"github.com/shapewire-net/shapewire/pkg/auth"
	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/core"
	"github.com/shapewire-net/shapewire/pkg/dataplane"
	"github.com/shapewire-net/shapewire/pkg/deviceplane"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
	"github.com/shapewire-net/shapewire/pkg/version"
)

func newRunCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller",
		Long: `Start the controller: HTTP API, MQTT device plane, tc/iptables
data plane, Prometheus exporter and the feedback loop. Runs until
SIGINT or SIGTERM, then drains queued submissions before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.DataPlane.Dry = true
			}
			return runController(cfg)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record tc/iptables commands instead of executing them")
	return cmd
}

func runController(cfg *config.Config) error {
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogJSON {
		util.SetJSONFormat()
	}
	log := util.WithComponent("daemon")
	log.WithField("version", version.Version).Info("shapewired starting")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cat, err := catalog.New(cfg.Catalog.Dir)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	var runner dataplane.Runner
	if cfg.DataPlane.Dry {
		log.Warn("data plane in dry-run mode, tc/iptables commands are recorded, not executed")
		runner = dataplane.NewDryRunner()
	} else {
		runner = dataplane.NewExecRunner()
	}

	transport := deviceplane.NewMQTT(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)

	ctrl, err := core.New(cfg, core.Deps{
		Store:     st,
		Catalog:   cat,
		Runner:    runner,
		Transport: transport,
	})
	if err != nil {
		return fmt.Errorf("wiring controller: %w", err)
	}

	authn := auth.NewManager(st, time.Duration(cfg.API.TokenTTLHours)*time.Hour)
	server := api.NewServer(ctrl, authn, ctrl.MetricsHandler(), cfg.API)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Each long-lived part reports through errCh; the first failure
	// stops the rest via ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts := []struct {
		name string
		run  func(context.Context) error
	}{
		{"core", ctrl.Run},
		{"api", server.Run},
	}
	if cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.API.Listen {
		parts = append(parts, struct {
			name string
			run  func(context.Context) error
		}{"metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics.Listen, ctrl.MetricsHandler())
		}})
	}

	errCh := make(chan error, len(parts))
	for _, p := range parts {
		p := p
		go func() {
			if err := p.run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", p.name, err)
				return
			}
			errCh <- nil
		}()
	}

	var firstErr error
	for range parts {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	if firstErr != nil {
		return firstErr
	}
	log.Info("shapewired stopped")
	return nil
}

// serveMetrics runs the Prometheus exporter on its own listener so
// scrapes keep working while the API is saturated.
func serveMetrics(ctx context.Context, listen string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}
