package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations and exit",
		Long: `Apply any pending schema migrations to the state store and exit.
The run command migrates on startup too; this exists for pre-deploy
checks and for upgrading a store the daemon is not allowed to write
schema changes to at boot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			v, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("store %s at schema version %d\n", cfg.Store.Path, v)
			return nil
		},
	}
}
