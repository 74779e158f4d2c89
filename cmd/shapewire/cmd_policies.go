package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/client"
)

var (
	policyPlane  string
	policyStatus string
	policyTarget string
	policyLimit  int
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List compiled policies",
	Long: `List the policies the compiler produced from intents.

Examples:
  shapewire policies --plane data
  shapewire policies --target camera-01 --status applied
  shapewire policies --status pending_delivery`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := apiClient.Policies(context.Background(), client.PolicyQuery{
			Plane:  policyPlane,
			Status: policyStatus,
			Target: policyTarget,
			Limit:  policyLimit,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(policies)
		}
		if len(policies) == 0 {
			fmt.Println("no policies")
			return nil
		}

		t := cli.NewTable("ID", "INTENT", "PLANE", "KIND", "TARGET", "STATUS", "AGE")
		for _, p := range policies {
			t.Row(p.ID, p.IntentID, string(p.Plane), string(p.Kind), p.Target,
				cli.Status(string(p.Status)), cli.Age(p.CreatedAt))
		}
		t.Flush()
		return nil
	},
}

func init() {
	policiesCmd.Flags().StringVar(&policyPlane, "plane", "", "Filter by plane (data, device)")
	policiesCmd.Flags().StringVar(&policyStatus, "status", "", "Filter by policy status")
	policiesCmd.Flags().StringVar(&policyTarget, "target", "", "Filter by target (device ID or interface)")
	policiesCmd.Flags().IntVar(&policyLimit, "limit", 100, "Maximum policies to return")
}
