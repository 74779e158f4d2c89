package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shapewire-net/shapewire/pkg/cli"
	"github.com/shapewire-net/shapewire/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.shapewire/settings.json.

Settings provide defaults for flags:
  - server:    Used when -s is not specified
  - submitter: Recorded on intents instead of the session user

Examples:
  shapewire settings show
  shapewire settings set server https://gw-lab.example.net:8420
  shapewire settings set submitter field-team
  shapewire settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		t := cli.NewTable("SETTING", "VALUE")

		printSetting := func(name, value string) {
			if value == "" {
				value = "(not set)"
			}
			t.Row(name, value)
		}

		printSetting("server", s.ServerURL)
		printSetting("submitter", s.DefaultSubmitter)
		session := "(not logged in)"
		if s.Token != "" {
			session = s.Username
		}
		printSetting("session", session)

		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Long: `Set a persistent setting value.

Available settings:
  server    - Controller URL (-s flag default)
  submitter - Submitter recorded on intents

Examples:
  shapewire settings set server https://gw-lab.example.net:8420
  shapewire settings set submitter field-team`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		setting, value := args[0], args[1]

		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		switch setting {
		case "server":
			s.SetServer(value)
		case "submitter":
			s.SetDefaultSubmitter(value)
		default:
			return fmt.Errorf("unknown setting %q (want server or submitter)", setting)
		}

		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Printf("%s = %s\n", setting, value)
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset all settings (including the stored session)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		s.Clear()
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("settings cleared")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsClearCmd)
}
