// Shapewired - intent-based networking controller daemon
//
// The daemon accepts plain-language intents over HTTP, compiles them to
// traffic-control and device policies, enforces them on the local data
// plane (tc/iptables) and over MQTT on the device fleet, and runs a
// feedback loop that measures goal metrics and issues corrections.
//
// Subcommands:
//
//	shapewired run               Start the controller
//	shapewired migrate           Apply store schema migrations and exit
//	shapewired user add|del|list Manage API accounts
//	shapewired version           Print version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/config"
	"github.com/shapewire-net/shapewire/pkg/version"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:               "shapewired",
		Short:             "Intent-based networking controller for edge fleets",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		Long: `Shapewired turns plain-language intents like

  "cap the bandwidth to 5mbps for camera-01"

into enforced network state: tc/iptables on the gateway, MQTT commands
on the devices, and a feedback loop that keeps measured metrics inside
the declared goals.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")

	rootCmd.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newUserCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("shapewired %s\n", version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config. The default path
// may be absent; an explicitly named file must exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
