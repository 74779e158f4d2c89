// Shapewire - CLI for the shapewired controller
//
// Talks to a running shapewired over its HTTP API. Intents are plain
// sentences; everything else is inspection:
//
//	shapewire login admin
//	shapewire submit "cap the bandwidth to 5mbps for camera-01"
//	shapewire list --status applied
//	shapewire show 01JMJ3...
//	shapewire revoke 01JMJ3...
//	shapewire policies --plane device
//	shapewire health
//	shapewire audit --failures
//
// The server URL and session token persist in ~/.shapewire/settings.json.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/client"
	"github.com/shapewire-net/shapewire/pkg/settings"
	"github.com/shapewire-net/shapewire/pkg/version"
)

var (
	// Global option flags
	serverFlag string
	jsonOutput bool

	// Global state
	userSettings *settings.Settings
	apiClient    *client.Client
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if client.IsAuthError(err) {
			fmt.Fprintln(os.Stderr, "session missing or expired, run: shapewire login <username>")
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "shapewire",
	Short:             "Intent CLI for the shapewired controller",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Shapewire submits plain-language network intents to a shapewired
controller and inspects what became of them.

  shapewire submit "cap the bandwidth to 5mbps for camera-01"
  shapewire list --status violated`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !needsClient(cmd) {
			return nil
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		server := serverFlag
		if server == "" {
			server = userSettings.GetServerURL()
		}
		apiClient = client.New(server, userSettings.Token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Controller URL (default from settings, else http://localhost:8420)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit raw JSON instead of tables")

	rootCmd.AddCommand(
		loginCmd,
		logoutCmd,
		submitCmd,
		listCmd,
		showCmd,
		revokeCmd,
		policiesCmd,
		healthCmd,
		auditCmd,
		settingsCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("shapewire %s\n", version.Info())
			},
		},
	)
}

// needsClient reports whether the command talks to the controller.
// Settings, version and help run offline.
func needsClient(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "version", "help", "completion":
			return false
		}
	}
	return true
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
