package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
)

var submitAs string

var submitCmd = &cobra.Command{
	Use:   "submit <intent sentence>",
	Short: "Submit a plain-language intent",
	Long: `Submit an intent sentence to the controller. The controller parses,
compiles and enforces it immediately; the answer names the intent ID
and every policy that came out of it.

Examples:
  shapewire submit "cap the bandwidth to 5mbps for camera-01"
  shapewire submit "set the sampling interval to 30s for all temperature sensors"
  shapewire submit "prioritize telemetry from sensor-01 and keep latency under 200ms"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		submitter := submitAs
		if submitter == "" {
			submitter = userSettings.DefaultSubmitter
		}

		res, err := apiClient.Submit(context.Background(), text, submitter)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(res)
		}

		fmt.Printf("intent %s %s\n", cli.Bold(res.IntentID), cli.Status(string(res.Status)))
		if res.Warning != "" {
			fmt.Printf("warning: %s\n", cli.Yellow(res.Warning))
		}

		t := cli.NewTable("POLICY", "PLANE", "KIND", "TARGET", "STATUS")
		for _, p := range res.Policies {
			t.Row(p.ID, string(p.Plane), string(p.Kind), p.Target, cli.Status(string(p.Status)))
		}
		t.Flush()
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAs, "submitter", "", "Submitter recorded on the intent (default: session user)")
}
