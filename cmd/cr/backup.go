package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cr-go/internal/notify"
)

// backup command
var backupCmd = &cobra.Command{
	Use:     "backup",
	Aliases: []string{"b"},
	Short:   "Inspect and manage backup records",
}

var backupListCmd = &cobra.Command{
	Use:   "list MISSION",
	Short: "List a mission's backups, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		a, err := newApp(cmd.Context(), "backup-list")
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.ListBackups(cmd.Context(), args[0], all)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "CREATED", "RESULT", "SIZE", "ENTRIES", "ARTIFACT"})
		for _, b := range backups {
			result := "ok"
			switch {
			case b.Deleted:
				result = "pruned"
			case !b.Success:
				result = "failed: " + b.Message
			}
			table.Append([]string{
				b.ID,
				formatTime(b.CreatedAt),
				result,
				notify.FormatSize(b.Size),
				fmt.Sprint(b.Entries),
				b.Path,
			})
		}
		table.Render()
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a backup record and its artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "backup-delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Backup deleted")
		return nil
	},
}

var backupDecryptCmd = &cobra.Command{
	Use:   "decrypt ID OUTPUT",
	Short: "Decrypt an encrypted archive, fetching it from the vault if it is gone locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "backup-decrypt")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		out, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving output path: %w", err)
		}
		if err := a.DecryptBackup(cmd.Context(), args[0], passphrase, out); err != nil {
			return err
		}
		fmt.Printf("Decrypted to %s\n", out)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupDecryptCmd)

	backupListCmd.Flags().Bool("all", false, "Include pruned backups")
}
