package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <intent-id>",
	Short: "Revoke an intent and roll back its enforcement",
	Long: `Revoke an intent. The controller rolls back every live policy the
intent produced (tc classes removed, device settings no longer
enforced) and retires any corrective intents the feedback loop issued
on its behalf.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Revoke(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("intent %s revoked\n", args[0])
		return nil
	},
}
