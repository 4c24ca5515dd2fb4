package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sitesync/internal/app"
	"sitesync/internal/config"
	"sitesync/internal/core"
	"sitesync/internal/script"
	"sitesync/internal/upload"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "List, upload and verify the files recorded in the journal",
}

var fileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending files, or write them as an az/azcopy script",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		outputType, _ := cmd.Flags().GetString("output-type")
		all, _ := cmd.Flags().GetBool("all")
		sel := selection(cmd)

		var tool script.Tool
		if outputType != "list" {
			if tool, err = script.ParseTool(outputType); err != nil {
				return err
			}
		}

		a, err := newApp(cmd, app.ReadJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		w, closeOut, err := openOutput(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := closeOut(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		if tool != "" {
			n, err := a.WriteScript(cmd.Context(), w, tool, shellFlag(cmd), sel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Script covers %d file(s).\n", n)
			return nil
		}

		uploaded := core.No
		if all {
			uploaded = core.Any
		}
		files, err := a.Files(cmd.Context(), sel, uploaded)
		if err != nil {
			return err
		}
		printFiles(w, files)
		return nil
	},
}

func printFiles(w io.Writer, files []core.FileMeta) {
	for _, f := range files {
		uploaded := "-"
		if f.UploadUS.Valid {
			uploaded = "uploaded"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Version, f.Modality, f.Path, humanize.IBytes(uint64(f.Size)), uploaded)
	}
}

func shellFlag(cmd *cobra.Command) script.Shell {
	shell, _ := cmd.Flags().GetString("shell")
	switch shell {
	case "sh":
		return script.POSIX
	case "cmd":
		return script.Cmd
	}
	return script.ShellFor("")
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Copy pending files to the central store and mark the verified ones",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		methodFlag, _ := cmd.Flags().GetString("upload-method")
		sel := selection(cmd)

		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		method, err := cfg.UploadMethod(methodFlag)
		if err != nil {
			return err
		}

		if method != config.MethodBuiltin {
			tool, err := script.ParseTool(method)
			if err != nil {
				return err
			}
			return uploadScript(cmd, cfg, cfgPath, tool, sel)
		}

		a, err := openApp(cmd, cfg, cfgPath, app.WriteJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.Upload(cmd.Context(), sel)
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), "Upload", report)
	},
}

// uploadScript writes the transfer script for a non-builtin upload method.
func uploadScript(cmd *cobra.Command, cfg *config.Config, cfgPath string, tool script.Tool, sel upload.Selection) (err error) {
	a, err := openApp(cmd, cfg, cfgPath, app.ReadJournal, localJournalFlag(cmd))
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	w, closeOut, err := openOutput(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOut(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	n, err := a.WriteScript(cmd.Context(), w, tool, shellFlag(cmd), sel)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "upload_method is %s: wrote a script for %d file(s); run it to transfer.\n", tool, n)
	return nil
}

var fileVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare active files with their central copies",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.ReadJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.Verify(cmd.Context(), selection(cmd))
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), "Verify", report)
	},
}

var fileMarkCentralCmd = &cobra.Command{
	Use:   "mark_as_uploaded_central",
	Short: "Mark files copied by another tool, checking the journal out",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		paths, err := readPaths(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, app.WriteJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.MarkAsUploaded(cmd.Context(), paths, selection(cmd))
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), "Mark", report)
	},
}

var fileMarkLocalCmd = &cobra.Command{
	Use:   "mark_as_uploaded_local",
	Short: "Mark files copied by another tool in a checked-out journal",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		paths, err := readPaths(cmd)
		if err != nil {
			return err
		}
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		local := localJournalFlag(cmd)
		if local == "" {
			local = cfg.LocalJournalPath()
		}

		a, err := openApp(cmd, cfg, cfgPath, app.WriteJournal, local)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.MarkAsUploaded(cmd.Context(), paths, selection(cmd))
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), "Mark", report)
	},
}

var fileMarkDeletedCmd = &cobra.Command{
	Use:   "mark_as_deleted",
	Short: "Record files as deleted at the site",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		paths, err := readPaths(cmd)
		if err != nil {
			return err
		}
		mods, _ := cmd.Flags().GetStringSlice("modalities")

		a, err := newApp(cmd, app.WriteJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		marked, notFound, err := a.MarkDeleted(cmd.Context(), paths, mods)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) marked as deleted, %d not found in the journal\n", marked, notFound)
		return nil
	},
}

// printReport writes the outcome counts of r and fails when a file did not
// verify.
func printReport(w io.Writer, title string, r *upload.Report) error {
	fmt.Fprintf(w, "%s: %d matched, %d mismatched, %d missing source, %d missing destination\n",
		title,
		r.Counts[core.OutcomeMatched],
		r.Counts[core.OutcomeMismatched],
		r.Counts[core.OutcomeMissingSrc],
		r.Counts[core.OutcomeMissingDest],
	)
	if r.Marked > 0 || r.Swept > 0 {
		fmt.Fprintf(w, "  %d row(s) marked uploaded, %d deleted row(s) swept\n", r.Marked, r.Swept)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  %d file(s) skipped: no central path\n", r.Skipped)
	}
	if r.NotFound > 0 {
		fmt.Fprintf(w, "  %d path(s) not found in the journal\n", r.NotFound)
	}
	if r.Bytes > 0 {
		fmt.Fprintf(w, "  %s transferred\n", humanize.IBytes(uint64(r.Bytes)))
	}
	for _, v := range r.Versions {
		fmt.Fprintf(w, "  wrote %s\n", v)
	}
	if n := r.Failed(); n > 0 {
		return fmt.Errorf("%d file(s) failed verification", n)
	}
	return nil
}

func init() {
	addSelectionFlags(fileListCmd)
	fileListCmd.Flags().String("output-type", "list", "list, azcli or azcopy")
	fileListCmd.Flags().String("output-file", "", "Write to this file instead of stdout")
	fileListCmd.Flags().String("shell", "", "Script dialect: sh or cmd (default: this host)")
	fileListCmd.Flags().Bool("all", false, "Include files that are already uploaded")

	addSelectionFlags(fileUploadCmd)
	fileUploadCmd.Flags().String("upload-method", "", "builtin, azcli or azcopy (default from config)")
	fileUploadCmd.Flags().String("output-file", "", "Script file for the azcli and azcopy methods")
	fileUploadCmd.Flags().String("shell", "", "Script dialect: sh or cmd (default: this host)")

	addSelectionFlags(fileVerifyCmd)

	addPathFlags(fileMarkCentralCmd)
	fileMarkCentralCmd.Flags().StringSlice("modalities", nil, "Comma-separated modalities (default: all configured)")
	addPathFlags(fileMarkLocalCmd)
	fileMarkLocalCmd.Flags().StringSlice("modalities", nil, "Comma-separated modalities (default: all configured)")
	fileMarkLocalCmd.Flags().String("local-journal", "", "Checked-out journal file (default from config)")
	addPathFlags(fileMarkDeletedCmd)
	fileMarkDeletedCmd.Flags().StringSlice("modalities", nil, "Comma-separated modalities (default: all configured)")
	fileMarkDeletedCmd.Flags().String("local-journal", "", "Use this journal file in place, without the lock")

	fileCmd.AddCommand(fileListCmd)
	fileCmd.AddCommand(fileUploadCmd)
	fileCmd.AddCommand(fileVerifyCmd)
	fileCmd.AddCommand(fileMarkCentralCmd)
	fileCmd.AddCommand(fileMarkLocalCmd)
	fileCmd.AddCommand(fileMarkDeletedCmd)
}
