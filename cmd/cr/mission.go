package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/notify"
)

// mission command
var missionCmd = &cobra.Command{
	Use:     "mission",
	Aliases: []string{"m"},
	Short:   "Manage backup missions",
	Long: `Manage backup missions.

A MISSION argument is a full ID, an unambiguous ID prefix, or a display
ordinal written as #N (a bare N also works when it is not an ID prefix).
Ordinals are renumbered by "cr db compact"; IDs never change.`,
}

var missionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a mission (paused until resumed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specFromFlags(cmd, cr.DefaultMissionSpec())
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "mission-create")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.CreateMission(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Printf("Created mission %d (%s), paused\n", snap.Mission.Ordinal, snap.Mission.ID)
		return nil
	},
}

var missionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		status, _ := cmd.Flags().GetString("status")

		filter := cr.MissionFilter{IncludeDeleted: all}
		if status != "" {
			s, err := parseStatus(status)
			if err != nil {
				return err
			}
			filter.Status = &s
		}

		a, err := newApp(cmd.Context(), "mission-list")
		if err != nil {
			return err
		}
		defer a.Close()

		missions, err := a.ListMissions(cmd.Context(), filter)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"#", "ID", "NAME", "STATUS", "SOURCE", "NEXT RUN"})
		for _, m := range missions {
			status := m.Status.String()
			if m.Deleted {
				status = "deleted"
			}
			table.Append([]string{
				fmt.Sprint(m.Ordinal),
				shortID(m.ID),
				m.Name,
				status,
				m.SrcPath,
				formatTime(m.NextRuntime),
			})
		}
		table.Render()
		return nil
	},
}

var missionShowCmd = &cobra.Command{
	Use:   "show REF",
	Short: "Show a mission and its procedure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "mission-show")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.GetMission(args[0])
		if err != nil {
			return err
		}
		m, p := snap.Mission, snap.Procedure

		fmt.Printf("Mission %d\n", m.Ordinal)
		fmt.Printf("  ID:          %s\n", m.ID)
		fmt.Printf("  Name:        %s\n", m.Name)
		if m.Description != "" {
			fmt.Printf("  Description: %s\n", m.Description)
		}
		fmt.Printf("  Status:      %s\n", m.Status)
		fmt.Printf("  Source:      %s (%s)\n", m.SrcPath, m.PathType)
		fmt.Printf("  Destination: %s\n", m.DstPath)
		switch p.Trigger {
		case model.TriggerCron:
			fmt.Printf("  Trigger:     cron %q, next %s\n", p.CronExpression, formatTime(m.NextRuntime))
		default:
			fmt.Printf("  Trigger:     %s, last %s\n", p.Trigger, formatTime(m.LastTrigger))
		}
		if p.Compressed() {
			fmt.Printf("  Archive:     %s\n", p.CompressFormat)
		} else {
			fmt.Printf("  Archive:     none (directory copy)\n")
		}
		fmt.Printf("  Ignore:      %s %s\n", p.IgnoreMethod, strings.Join(snap.Keywords(), " "))
		if p.Restrict == model.RestrictNone {
			fmt.Printf("  Retention:   none\n")
		} else {
			fmt.Printf("  Retention:   %s (%d days, %s)\n", p.Restrict, p.RestrictDays, notify.FormatSize(p.RestrictSize))
		}
		if snap.Condition != "" {
			fmt.Printf("  Condition:   %s\n", snap.Condition)
		}
		return nil
	},
}

var missionUpdateCmd = &cobra.Command{
	Use:   "update REF",
	Short: "Change a mission's definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "mission-update")
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.GetMission(args[0])
		if err != nil {
			return err
		}
		spec, err := specFromFlags(cmd, specOf(current))
		if err != nil {
			return err
		}
		snap, err := a.UpdateMission(cmd.Context(), current.Mission.ID, spec)
		if err != nil {
			return err
		}
		fmt.Printf("Updated mission %d\n", snap.Mission.Ordinal)
		return nil
	},
}

var missionDeleteCmd = &cobra.Command{
	Use:   "delete REF",
	Short: "Delete a mission (backup artifacts are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "mission-delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteMission(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Mission deleted")
		return nil
	},
}

func statusCmd(use, short string, status model.MissionStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " REF",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "mission-"+use)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.SetStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Printf("Mission %d is %s\n", m.Ordinal, m.Status)
			return nil
		},
	}
}

var missionRunCmd = &cobra.Command{
	Use:   "run REF",
	Short: "Back up a mission now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "mission-run")
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.RunMission(cmd.Context(), args[0])
		if errors.Is(err, cr.ErrBusy) {
			return fmt.Errorf("mission is already backing up: %w", err)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Backup written to %s (%s, %d entries)\n", b.Path, notify.FormatSize(b.Size), b.Entries)
		return nil
	},
}

func parseStatus(s string) (model.MissionStatus, error) {
	for _, st := range []model.MissionStatus{model.StatusPaused, model.StatusRunning, model.StatusBackuping} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	missionCmd.AddCommand(missionCreateCmd)
	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionShowCmd)
	missionCmd.AddCommand(missionUpdateCmd)
	missionCmd.AddCommand(missionDeleteCmd)
	missionCmd.AddCommand(statusCmd("pause", "Stop scheduling a mission", model.StatusPaused))
	missionCmd.AddCommand(statusCmd("resume", "Start scheduling a mission", model.StatusRunning))
	missionCmd.AddCommand(missionRunCmd)

	addSpecFlags(missionCreateCmd)
	addSpecFlags(missionUpdateCmd)
	missionCreateCmd.MarkFlagRequired("src")
	missionCreateCmd.MarkFlagRequired("dst")

	missionListCmd.Flags().Bool("all", false, "Include deleted missions")
	missionListCmd.Flags().String("status", "", "Only missions with this status (paused, running, backuping)")
}
