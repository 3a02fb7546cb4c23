package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/notify"
)

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database location and row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "db-info")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.DBInfo(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Path: %s\n", info.Path)
		fmt.Printf("Size: %s\n\n", notify.FormatSize(info.Size))
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"TABLE", "LIVE", "DELETED"})
		for _, t := range info.Tables {
			table.Append([]string{t.Table.String(), fmt.Sprint(t.Live), fmt.Sprint(t.Deleted)})
		}
		table.Render()
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize missions and backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "db-stats")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Missions: %d paused, %d running, %d backing up\n",
			s.Missions[model.StatusPaused], s.Missions[model.StatusRunning], s.Missions[model.StatusBackuping])
		fmt.Printf("Backups:  %d (%d failed), %s total\n", s.Backups, s.FailedBackups, notify.FormatSize(s.TotalSize))
		return nil
	},
}

var dbCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Purge deleted rows and renumber display ordinals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "db-compact")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Compact(cmd.Context())
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"TABLE", "REMOVED", "RENUMBERED"})
		for _, t := range cr.Tables {
			table.Append([]string{t.String(), fmt.Sprint(report.Removed[t]), fmt.Sprint(report.Renumbered[t])})
		}
		table.Render()
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Write a consistent copy of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "db-backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("Database copied to %s\n", args[0])
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbInfoCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbCompactCmd)
	dbCmd.AddCommand(dbBackupCmd)
}
