package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show controller health",
	Long: `Fetch the controller's health report: store, device-plane transport,
data plane, catalog, feedback loop and worker state. Works without a
session token. Exits non-zero when the controller is critical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient.Health(context.Background())
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Printf("overall: %s  (schema v%d, up %s)\n\n",
				cli.Status(string(report.Overall)), report.SchemaVersion, report.Uptime.Round(1e9))

			names := make([]string, 0, len(report.Components))
			for name := range report.Components {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				res := report.Components[name]
				line := fmt.Sprintf("%s %s", cli.DotPad(name, 14), cli.Status(string(res.Status)))
				if res.Message != "" {
					line += "  " + cli.Dim(res.Message)
				}
				fmt.Println(line)
			}
		}

		if report.Overall == health.StatusCritical {
			return fmt.Errorf("controller is critical")
		}
		return nil
	},
}
