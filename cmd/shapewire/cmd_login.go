package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shapewire-net/shapewire/pkg/cli"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and store the session token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := ""
		if len(args) == 1 {
			username = args[0]
		}
		if username == "" {
			fmt.Fprint(os.Stderr, "Username: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading username: %w", err)
			}
			username = strings.TrimSpace(line)
		}
		if username == "" {
			return fmt.Errorf("username is required")
		}

		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		sess, err := apiClient.Login(context.Background(), username, string(password))
		if err != nil {
			return err
		}

		userSettings.SetSession(sess.Username, sess.Token)
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}

		fmt.Printf("logged in as %s (%s), session valid until %s\n",
			cli.Bold(sess.Username), sess.Role, sess.ExpiresAt.Local().Format("15:04 Mon Jan 2"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if userSettings.Token == "" {
			fmt.Println("no stored session")
			return nil
		}

		// Best effort: the token may already be expired server-side
		if err := apiClient.Logout(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "server logout failed: %v\n", err)
		}

		userSettings.ClearSession()
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		fmt.Println("logged out")
		return nil
	},
}
