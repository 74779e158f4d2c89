package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/client"
	"github.com/shapewire-net/shapewire/pkg/model"
)

var (
	listStatus    string
	listSubmitter string
	listLimit     int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List intents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		intents, err := apiClient.Intents(context.Background(), client.IntentQuery{
			Status:    listStatus,
			Submitter: listSubmitter,
			Limit:     listLimit,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(intents)
		}
		if len(intents) == 0 {
			fmt.Println("no intents")
			return nil
		}

		t := cli.NewTable("ID", "STATUS", "SUBMITTER", "AGE", "TEXT")
		for _, in := range intents {
			t.Row(in.ID, cli.Status(string(in.Status)), in.Submitter,
				cli.Age(in.SubmittedAt), cli.Truncate(in.RawText, 48))
		}
		t.Flush()
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <intent-id>",
	Short: "Show one intent with its policies and recent telemetry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := apiClient.Intent(context.Background(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(detail)
		}

		in := detail.Intent
		fmt.Printf("%s  %s\n", cli.Bold(in.ID), cli.Status(string(in.Status)))
		fmt.Printf("  text:      %q\n", in.RawText)
		fmt.Printf("  submitter: %s\n", in.Submitter)
		fmt.Printf("  submitted: %s (%s ago)\n", in.SubmittedAt.Local().Format("2006-01-02 15:04:05"), cli.Age(in.SubmittedAt))
		if in.Goal != nil {
			fmt.Printf("  goal:      %s\n", formatGoal(in.Goal))
		}
		if in.ParentID != "" {
			fmt.Printf("  corrects:  %s\n", in.ParentID)
		}
		if in.SupersededBy != "" {
			fmt.Printf("  superseded by: %s\n", in.SupersededBy)
		}
		if in.Warning != "" {
			fmt.Printf("  warning:   %s\n", cli.Yellow(in.Warning))
		}

		fmt.Println()
		t := cli.NewTable("POLICY", "PLANE", "KIND", "TARGET", "STATUS", "ERROR").WithPrefix("  ")
		for _, p := range detail.Policies {
			t.Row(p.ID, string(p.Plane), string(p.Kind), p.Target,
				cli.Status(string(p.Status)), cli.Truncate(p.LastError, 40))
		}
		t.Flush()

		if len(detail.LastMetrics) > 0 {
			fmt.Println()
			mt := cli.NewTable("DEVICE", "METRIC", "VALUE", "AGE").WithPrefix("  ")
			for device, samples := range detail.LastMetrics {
				for _, s := range samples {
					mt.Row(device, s.Metric, fmt.Sprintf("%.2f", s.Value), cli.Age(s.Timestamp))
				}
			}
			mt.Flush()
		}
		return nil
	},
}

// formatGoal renders a goal the way an operator would say it:
// "bandwidth_bps <= 5 Mbit/s (max over 60s)".
func formatGoal(g *model.Goal) string {
	op := "<="
	if g.Op == model.GoalGE {
		op = ">="
	}

	value := fmt.Sprintf("%g", g.Value)
	switch g.Metric {
	case model.GoalBandwidthBPS, model.GoalThroughputBPS:
		value = cli.Rate(int64(g.Value))
	case model.GoalLatencyMS:
		value = fmt.Sprintf("%gms", g.Value)
	}

	var window string
	if g.WindowSeconds > 0 {
		window = fmt.Sprintf(" (%s over %ds)", g.Aggregate, g.WindowSeconds)
	}

	var device string
	if g.DeviceID != "" {
		device = " on " + g.DeviceID
	}

	return strings.TrimSpace(fmt.Sprintf("%s %s %s%s%s", g.Metric, op, value, window, device))
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by intent status")
	listCmd.Flags().StringVar(&listSubmitter, "submitter", "", "Filter by submitter")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum intents to return")
}
