package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cr-go/internal/app"
	"cr-go/internal/config"
)

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		if err := config.Init(defaults.ConfigPath, defaults.NewDefaultConfig()); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := app.LoadConfig(defaults.ConfigPath)
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		m := &config.Manager{}
		return m.Write(cmd.OutOrStdout(), cfg)
	},
}

var configSyncCmd = &cobra.Command{
	Use:   "sync GROUP FILE",
	Short: "Copy one group (system, notify, watcher, screensaver) from another config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		group, err := config.ParseGroup(args[0])
		if err != nil {
			return err
		}
		incoming, err := config.ReadFromFile(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "config-sync")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.SyncConfig(group, incoming, overwrite); err != nil {
			return err
		}
		if overwrite {
			fmt.Printf("Group %s synced\n", group)
		} else {
			fmt.Printf("Group %s unchanged, pass --overwrite to apply\n", group)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSyncCmd)
	configSyncCmd.Flags().Bool("overwrite", false, "Replace the group in the current config")
}
