package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sitesync/internal/app"
	"sitesync/internal/core"
	"sitesync/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Scan the site and manage the journal",
}

var journalUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Scan the site trees and record changes",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		amend, _ := cmd.Flags().GetBool("amend")
		sel := selection(cmd)

		mode := app.WriteJournal
		if dryRun {
			mode = app.ReadJournal
		}
		a, err := newApp(cmd, mode, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.Update(cmd.Context(), app.UpdateOptions{
			Modalities: sel.Modalities,
			Version:    sel.Version,
			Amend:      amend,
			DryRun:     dryRun,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version %s: %d row(s) inserted, %d inactivated\n", report.Version, report.Inserted, report.Inactivated)
		for _, st := range []core.State{
			core.StateAdded, core.StateUpdated, core.StateMoved, core.StateDeleted,
			core.StateOutdated, core.StateKeep, core.StateError1, core.StateError3,
		} {
			if n := report.Counts[st]; n > 0 {
				fmt.Fprintf(out, "  %-9s %d\n", st, n)
			}
		}
		if dryRun {
			fmt.Fprintln(out, "Dry run: the journal was not changed.")
		}
		return nil
	},
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show file counts per version and modality",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		version, _ := cmd.Flags().GetString("version")

		a, err := newApp(cmd, app.ReadJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		stats, err := a.Stats(cmd.Context(), version)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No files recorded.")
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-16s  %-10s  %8s  %9s  %8s  %8s\n", "VERSION", "MODALITY", "ACTIVE", "TO UPLOAD", "UPLOADED", "INACTIVE")
		for _, s := range stats {
			fmt.Fprintf(out, "%-16s  %-10s  %8d  %9d  %8d  %8d\n", s.Version, s.Modality, s.Active, s.ToUpload, s.Uploaded, s.Inactive)
		}
		return nil
	},
}

var journalCheckoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Lock the journal and download the working copy",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.NoJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		local, err := a.Checkout(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Journal checked out to %s\n", local)
		fmt.Fprintln(cmd.OutOrStdout(), "Pass --local-journal to work on it and run 'sitesync journal checkin' when done.")
		return nil
	},
}

var journalCheckinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Upload the working copy and release the lock",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.NoJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.Checkin(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Journal checked in.")
		return nil
	},
}

var journalUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Release a stale journal lock",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.NoJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		action, err := a.Unlock(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unlock: %s\n", action)
		return nil
	},
}

var journalUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Migrate a v1 journal to the v2 schema",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.WriteJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.Upgrade(cmd.Context())
		if errors.Is(err, journal.ErrAlreadyUpgraded) {
			fmt.Fprintln(cmd.OutOrStdout(), "The journal already uses schema v2.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Upgraded %d file row(s) and %d command(s); v1 journal kept at %s\n", res.Files, res.Commands, res.BackupPath)
		return nil
	},
}

func init() {
	journalUpdateCmd.Flags().String("version", "", "Label new rows with this version (default: the current time)")
	journalUpdateCmd.Flags().StringSlice("modalities", nil, "Comma-separated modalities (default: all configured)")
	journalUpdateCmd.Flags().Bool("amend", false, "Add to the latest version instead of starting a new one")
	journalUpdateCmd.Flags().Bool("dry-run", false, "Classify files without writing to the journal")
	journalUpdateCmd.Flags().String("local-journal", "", "Use this journal file in place, without the lock")

	journalListCmd.Flags().String("version", "", "Only this version")
	journalListCmd.Flags().String("local-journal", "", "Read this journal file instead of the configured one")
	journalUpgradeCmd.Flags().String("local-journal", "", "Upgrade this journal file in place")

	journalCmd.AddCommand(journalUpdateCmd)
	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalCheckoutCmd)
	journalCmd.AddCommand(journalCheckinCmd)
	journalCmd.AddCommand(journalUnlockCmd)
	journalCmd.AddCommand(journalUpgradeCmd)
}
