package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/client"
)

var (
	auditActor    string
	auditAction   string
	auditEntity   string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the audit trail",
	Long: `View the audit trail: every submission, compile, enforcement step,
transition, correction and revocation, with actor and outcome.

Examples:
  shapewire audit --last 1h
  shapewire audit --failures
  shapewire audit --actor feedback --action corrective_submit
  shapewire audit --entity 01JMJ3...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := client.AuditQuery{
			Actor:       auditActor,
			Action:      auditAction,
			EntityID:    auditEntity,
			FailureOnly: auditFailures,
			Limit:       auditLimit,
		}
		if auditLast != "" {
			d, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration %q", auditLast)
			}
			q.Since = time.Now().Add(-d)
		}

		events, err := apiClient.Audit(context.Background(), q)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("no audit events")
			return nil
		}

		t := cli.NewTable("TIME", "ACTOR", "ACTION", "ENTITY", "OUTCOME")
		for _, e := range events {
			outcome := cli.Green("ok")
			if !e.Success {
				outcome = cli.Red(cli.Truncate(e.Error, 40))
			}
			entity := e.EntityType
			if e.EntityID != "" {
				entity += " " + e.EntityID
			}
			t.Row(e.Timestamp.Local().Format("15:04:05"), e.Actor, e.Action,
				cli.Truncate(entity, 36), outcome)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor (username, system, feedback)")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "Filter by entity ID (intent or policy)")
	auditCmd.Flags().StringVar(&auditLast, "last", "", "Only events in the trailing window (e.g. 1h, 30m)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only failed operations")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to return")
}
