package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sitesync/internal/app"
	"sitesync/internal/storage"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List and copy objects in the configured stores",
	Long: `Work on objects directly, without the journal.

Locations are az://<account>/<container>/<path>, s3://<bucket>/<path> or
local paths. Credentials come from the config section whose path contains
the location.`,
}

var remoteListCmd = &cobra.Command{
	Use:   "list <url>",
	Short: "List the objects below a location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.NoJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		out := cmd.OutOrStdout()
		var count int
		var total int64
		err = a.RemoteList(cmd.Context(), args[0], func(page []storage.FileInfo) error {
			for _, fi := range page {
				fmt.Fprintf(out, "%s\t%s\t%s\n", fi.ModTime.UTC().Format("2006-01-02 15:04:05"), humanize.IBytes(uint64(fi.Size)), fi.Key)
				count++
				total += fi.Size
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d object(s), %s\n", count, humanize.IBytes(uint64(total)))
		return nil
	},
}

var remoteUploadCmd = &cobra.Command{
	Use:   "upload <local> <url>",
	Short: "Copy a local file to a location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteCopy(cmd, args[0], args[1])
	},
}

var remoteDownloadCmd = &cobra.Command{
	Use:   "download <url> <local>",
	Short: "Copy an object to a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteCopy(cmd, args[0], args[1])
	},
}

func remoteCopy(cmd *cobra.Command, from, to string) (err error) {
	a, err := newApp(cmd, app.NoJournal, "")
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	if err := a.RemoteCopy(cmd.Context(), from, to); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s\n", from, to)
	return nil
}

var remoteDeleteCmd = &cobra.Command{
	Use:   "delete <url>",
	Short: "Delete one object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, app.NoJournal, "")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.RemoteDelete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteUploadCmd)
	remoteCmd.AddCommand(remoteDownloadCmd)
	remoteCmd.AddCommand(remoteDeleteCmd)
}
