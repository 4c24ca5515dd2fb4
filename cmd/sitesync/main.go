package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sitesync/internal/app"
	"sitesync/internal/config"
	"sitesync/internal/core"
	"sitesync/internal/upload"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitLockHeld  = 2
	exitConfig    = 3
	exitJournal   = 4
	exitTransport = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error kind onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrLockHeld):
		return exitLockHeld
	case errors.Is(err, core.ErrConfig):
		return exitConfig
	case errors.Is(err, core.ErrJournalMissing), errors.Is(err, core.ErrSchemaUnknown):
		return exitJournal
	case errors.Is(err, core.ErrAuth), errors.Is(err, core.ErrTransientTransport):
		return exitTransport
	}
	return exitFailure
}

var (
	verbose    bool
	configFlag string
)

var rootCmd = &cobra.Command{
	Use:           "sitesync",
	Short:         "Mirror site data files into a central object store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the config named by -c, $SITESYNC_CONFIG or the default
// location.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := configFlag
	if path == "" {
		path = defaults["config_path"]
	}
	cfg, err := config.Load(path, defaults["base_dir"])
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command, mode app.Mode, localJournal string) (*app.App, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openApp(cmd, cfg, path, mode, localJournal)
}

func openApp(cmd *cobra.Command, cfg *config.Config, cfgPath string, mode app.Mode, localJournal string) (*app.App, error) {
	return app.New(cmd.Context(), cfg, app.Options{
		Command:      commandName(cmd),
		Mode:         mode,
		LocalJournal: localJournal,
		Verbose:      verbose,
		ConfigPath:   cfgPath,
		Common:       map[string]any{"config": cfgPath, "verbose": verbose},
		Params:       flagParams(cmd),
		Prompter:     config.TerminalPrompter(os.Stdin, os.Stderr),
		Stderr:       os.Stderr,
	})
}

// closeApp closes a and keeps the first error.
func closeApp(a *app.App, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func commandName(cmd *cobra.Command) string {
	return strings.TrimPrefix(cmd.CommandPath(), rootCmd.Name()+" ")
}

// flagParams collects the flags set on the command line.
func flagParams(cmd *cobra.Command) map[string]any {
	params := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			params[f.Name] = sv.GetSlice()
			return
		}
		params[f.Name] = f.Value.String()
	})
	if args := cmd.Flags().Args(); len(args) > 0 {
		params["args"] = args
	}
	return params
}

// addSelectionFlags registers the flags that narrow journal rows.
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("version", "", "Only files of this version label")
	cmd.Flags().StringSlice("modalities", nil, "Comma-separated modalities (default: all configured)")
	cmd.Flags().Int("max-num-files", 0, "Process at most this many files")
	cmd.Flags().String("local-journal", "", "Use this journal file in place, without the lock")
}

func selection(cmd *cobra.Command) upload.Selection {
	version, _ := cmd.Flags().GetString("version")
	mods, _ := cmd.Flags().GetStringSlice("modalities")
	maxFiles, _ := cmd.Flags().GetInt("max-num-files")
	return upload.Selection{Version: version, Modalities: mods, MaxFiles: maxFiles}
}

func localJournalFlag(cmd *cobra.Command) string {
	local, _ := cmd.Flags().GetString("local-journal")
	return local
}

// addPathFlags registers --file and --file-list.
func addPathFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("file", nil, "Relative path of a file (repeatable)")
	cmd.Flags().String("file-list", "", "File with one relative path per line")
}

// readPaths gathers --file values and the lines of --file-list. Blank
// lines and lines starting with '#' are skipped.
func readPaths(cmd *cobra.Command) ([]string, error) {
	paths, _ := cmd.Flags().GetStringArray("file")
	list, _ := cmd.Flags().GetString("file-list")
	if list != "" {
		f, err := os.Open(list)
		if err != nil {
			return nil, fmt.Errorf("opening file list: %w", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			paths = append(paths, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading file list: %w", err)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: give --file or --file-list", core.ErrConfig)
	}
	return paths, nil
}

// openOutput returns the --output-file writer, or stdout.
func openOutput(cmd *cobra.Command) (io.Writer, func() error, error) {
	path, _ := cmd.Flags().GetString("output-file")
	if path == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, f.Close, nil
}

const usageText = `sitesync mirrors the data files of a site into a central object store.

A typical session:

  sitesync config-help > ~/.config/sitesync.toml   # then edit the paths
  sitesync journal update                          # scan the site, record changes
  sitesync journal list                            # counts per version and modality
  sitesync file upload                             # copy, verify and mark new files
  sitesync file verify                             # compare the central copies again

Commands that change the journal check it out under <journal>.locked and
check it back in when they finish. After a crash, "sitesync journal unlock"
releases a stale lock.

To transfer with az or azcopy instead of the built-in engine:

  sitesync file list --output-type azcopy --output-file upload.sh
  sh upload.sh    # marks each block with file mark_as_uploaded_local
`

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show a short walkthrough",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), usageText)
	},
}

var configHelpCmd = &cobra.Command{
	Use:   "config-help",
	Short: "Print an annotated sample configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		initialize, _ := cmd.Flags().GetBool("init")
		if !initialize {
			fmt.Fprint(cmd.OutOrStdout(), config.Sample)
			return nil
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		path := configFlag
		if path == "" {
			path = defaults["config_path"]
		}
		if err := config.Init(path, config.NewConfig(defaults["base_dir"])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized at %s\n", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the command history recorded in the journal",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, app.ReadJournal, localJournalFlag(cmd))
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		cmds, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No commands recorded.")
			return nil
		}

		for _, c := range cmds {
			duration := "-"
			if c.Duration.Valid {
				duration = fmt.Sprintf("%.1fs", c.Duration.Float64)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d  %s  %-34s  %8s  %s\n",
				c.ID,
				c.Datetime.Format("2006-01-02 15:04:05"),
				c.Command,
				duration,
				c.Params,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default $SITESYNC_CONFIG or ~/.config/sitesync.toml)")

	configHelpCmd.Flags().Bool("init", false, "Write a default config file instead of printing the sample")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of commands to show")
	historyCmd.Flags().String("local-journal", "", "Read this journal file instead of the configured one")

	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(configHelpCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(remoteCmd)
}
