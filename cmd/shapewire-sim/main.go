// Shapewire-sim - simulated device fleet for shapewired
//
// Stands in for the physical fleet during development and demos. Each
// device in the catalog gets its own MQTT session that behaves like
// real firmware:
//
//   - retained "online" birth message, LWT "offline" on the status topic
//   - periodic telemetry with per-kind sensor readings
//   - control commands (SET_SAMPLING_INTERVAL, SET_QOS, camera config
//     frames, ...) applied to live state and reflected in the next
//     telemetry frame, which is how the controller acknowledges them
//
// Run it against the same broker and catalog as the daemon:
//
//	shapewire-sim --broker tcp://localhost:1883 --catalog ./configs
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/util"
	"github.com/shapewire-net/shapewire/pkg/version"
)

func main() {
	var (
		brokerURL  string
		catalogDir string
		only       string
		intervalS  int
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:               "shapewire-sim",
		Short:             "Simulated device fleet for shapewired",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.SetLogLevel(logLevel); err != nil {
				return err
			}

			cat, err := catalog.New(catalogDir)
			if err != nil {
				return fmt.Errorf("loading catalog: %w", err)
			}

			devices := cat.Snapshot().Devices()
			if only != "" {
				wanted := make(map[string]bool)
				for _, id := range strings.Split(only, ",") {
					wanted[strings.TrimSpace(id)] = true
				}
				filtered := devices[:0]
				for _, d := range devices {
					if wanted[d.ID] {
						filtered = append(filtered, d)
					}
				}
				devices = filtered
			}
			if len(devices) == 0 {
				return fmt.Errorf("no devices to simulate")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := util.WithComponent("sim")
			log.WithField("version", version.Version).
				Infof("simulating %d devices against %s", len(devices), brokerURL)

			var wg sync.WaitGroup
			for _, dev := range devices {
				sim := newSimDevice(dev, brokerURL, time.Duration(intervalS)*time.Second)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := sim.run(ctx); err != nil {
						log.WithField("device", sim.dev.ID).WithError(err).Error("simulator stopped")
					}
				}()
			}
			wg.Wait()
			log.Info("fleet stopped")
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flags.StringVar(&catalogDir, "catalog", config.Default().Catalog.Dir, "Catalog directory (devices.json)")
	flags.StringVar(&only, "devices", "", "Comma-separated device IDs to simulate (default: all)")
	flags.IntVar(&intervalS, "interval", 10, "Base telemetry interval in seconds")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shapewire-sim %s\n", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
