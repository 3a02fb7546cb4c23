package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cr-go/internal/app"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a CRApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "create", "daemon").
func newApp(ctx context.Context, operation string) (*app.CRApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := app.LoadConfig(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewCRApp(ctx, cfg, defaults.ConfigPath, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "cr",
	Short:        "Scheduled and on-change backups",
	SilenceUsage: true,
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run schedules and watches until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "daemon")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("cr daemon running, press Ctrl+C to stop")
		return a.RunDaemon(ctx)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the artifact encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptNewPassphrase()
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "keys-init")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.InitKeys(passphrase); err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}

		enc := a.Config().Encryption
		fmt.Printf("Public key:  %s\n", enc.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", enc.PrivateKeyPath)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(missionCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(daemonCmd)
}
