package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shapewire-net/shapewire/pkg/auth"
	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API accounts",
		Long: `Manage API accounts in the state store. Accounts are local to one
controller; passwords are stored as bcrypt hashes.

Roles:
  viewer    read intents, policies and the audit trail
  operator  viewer plus submit and revoke intents
  admin     operator plus account management`,
	}
	cmd.AddCommand(newUserAddCmd(), newUserPasswdCmd(), newUserDelCmd(), newUserListCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]

			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			password, err := promptPassword(true)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.CreateUser(&store.User{
				Username:     username,
				PasswordHash: hash,
				Role:         string(r),
			}); err != nil {
				return err
			}
			fmt.Printf("user %s created with role %s\n", username, r)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "operator", "Account role (admin, operator, viewer)")
	return cmd
}

func newUserPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <username>",
		Short: "Change an account password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			// Fail before prompting if the account is unknown
			if _, err := st.GetUser(username); err != nil {
				return err
			}

			password, err := promptPassword(true)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			if err := st.SetUserPassword(username, hash); err != nil {
				return err
			}
			fmt.Printf("password for %s updated\n", username)
			return nil
		},
	}
}

func newUserDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <username>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteUser(args[0]); err != nil {
				return err
			}
			fmt.Printf("user %s deleted\n", args[0])
			return nil
		},
	}
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.ListUsers()
			if err != nil {
				return err
			}

			t := cli.NewTable("USERNAME", "ROLE", "CREATED")
			for _, u := range users {
				t.Row(u.Username, u.Role, u.CreatedAt.Format("2006-01-02 15:04"))
			}
			t.Flush()
			if len(users) == 0 {
				fmt.Println("no accounts (create one with: shapewired user add <username>)")
			}
			return nil
		},
	}
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// promptPassword reads a password without echo. With confirm set it
// asks twice and requires both entries to match.
func promptPassword(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
