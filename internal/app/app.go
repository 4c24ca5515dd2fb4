package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sitesync/internal/config"
	"sitesync/internal/core"
	"sitesync/internal/history"
	"sitesync/internal/journal"
	"sitesync/internal/lock"
	"sitesync/internal/modality"
	"sitesync/internal/perf"
	"sitesync/internal/storage"
)

// Mode selects what New does with the journal.
type Mode int

const (
	// NoJournal leaves the journal alone; lock and remote commands use it.
	NoJournal Mode = iota
	// ReadJournal opens a private copy of the journal without taking the lock.
	ReadJournal
	// WriteJournal checks the journal out and opens the working copy. Close
	// checks it back in.
	WriteJournal
)

// Options describes one invocation.
type Options struct {
	// Command names the invocation in the command history, e.g. "file upload".
	Command string
	Mode    Mode
	// LocalJournal opens this file in place, without lock or fetch.
	LocalJournal string
	Verbose      bool
	ConfigPath   string
	// Common and Params are recorded in the command history, sanitized.
	Common map[string]any
	Params map[string]any
	// Prompter supplies missing SAS tokens; nil leaves them missing.
	Prompter config.Prompter
	Stderr   io.Writer
	Clock    core.Clock
}

// App is the application layer between the CLI and the domain packages.
// It constructs all dependencies from config, runs the journal lifecycle
// and records the invocation in the command history.
type App struct {
	cfg     *config.Config
	opts    Options
	runID   string
	logger  core.Logger
	logFile *os.File
	clock   core.Clock

	resolver *storage.Resolver
	lock     *lock.Manager
	journal  core.Journal
	tmpDir   string
	// checkedOut is set once Close owes a checkin.
	checkedOut bool

	recorder *history.Recorder
	op       *history.Operation
	counter  *perf.Counter
}

// New creates a fully wired App from cfg. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Prompter != nil {
		if err := cfg.FillSASTokens(opts.Prompter); err != nil {
			return nil, err
		}
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}

	runID := core.NewRunID()
	sl, logFile, err := newLogger(cfg.Configuration.LogDir, runID, opts.Verbose, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a := &App{
		cfg:      cfg,
		opts:     opts,
		runID:    runID,
		logger:   logger,
		logFile:  logFile,
		clock:    opts.Clock,
		resolver: storage.NewResolver(logger),
		op:       history.NewOperation(opts.Command, opts.Common, opts.Params),
		counter:  perf.NewCounter(logger, opts.Clock, 0),
	}
	logger.Debug("starting", "command", opts.Command, "config", opts.ConfigPath)

	if opts.LocalJournal == "" {
		if err := a.newLockManager(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	if err := a.openJournal(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newLockManager(ctx context.Context) error {
	remote, err := a.resolver.Resolve(ctx, a.cfg.Journal.Path, a.cfg.Journal.Storage())
	if err != nil {
		return fmt.Errorf("resolving journal: %w", err)
	}
	local, err := storage.NewLocalPath(a.cfg.LocalJournalPath())
	if err != nil {
		return fmt.Errorf("resolving local journal: %w", err)
	}
	a.lock, err = lock.New(remote, local, a.logger)
	return err
}

func (a *App) journalOptions() (journal.Options, error) {
	schema, err := a.cfg.SchemaVersion()
	if err != nil {
		return journal.Options{}, err
	}
	return journal.Options{
		NewSchema: schema,
		Profiling: a.cfg.Configuration.Profiling,
		Logger:    a.logger,
	}, nil
}

// openJournal prepares and opens the journal for the invocation's mode.
func (a *App) openJournal(ctx context.Context) error {
	if a.opts.Mode == NoJournal {
		return nil
	}
	jopts, err := a.journalOptions()
	if err != nil {
		return err
	}

	var path string
	switch {
	case a.opts.LocalJournal != "":
		path = a.opts.LocalJournal
		if a.opts.Mode == ReadJournal {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", core.ErrJournalMissing, path)
			}
		}
	case a.opts.Mode == ReadJournal:
		path, err = a.fetch(ctx)
		if err != nil {
			return err
		}
	default:
		if err := a.lock.Checkout(ctx); err != nil {
			return fmt.Errorf("checking out journal: %w", err)
		}
		a.checkedOut = true
		path = a.lock.LocalPath()
	}

	j, err := journal.Open(ctx, path, jopts)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	a.journal = j
	a.recorder = history.NewRecorder(j, a.clock)
	a.logger.Debug("journal open", "path", path, "schema", j.SchemaVersion().String())
	return nil
}

// fetch copies the journal into a private temp directory so read-only
// commands never touch the working copy.
func (a *App) fetch(ctx context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "sitesync-read-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	a.tmpDir = dir
	copyPath, err := storage.NewLocalPath(filepath.Join(dir, a.cfg.JournalName()))
	if err != nil {
		return "", err
	}
	m, err := lock.New(a.lock.Journal(), copyPath, a.logger)
	if err != nil {
		return "", err
	}
	if err := m.Fetch(ctx); err != nil {
		return "", fmt.Errorf("fetching journal: %w", err)
	}
	return m.LocalPath(), nil
}

// persistOperation records the invocation in the command history. Only
// commands that change the journal are recorded.
func (a *App) persistOperation(ctx context.Context) error {
	if a.journal == nil || a.op.Persisted() {
		return nil
	}
	if a.opts.Mode != WriteJournal {
		return nil
	}
	if err := a.recorder.Start(ctx, a.op); err != nil {
		return fmt.Errorf("recording command: %w", err)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the run's logger.
func (a *App) Logger() core.Logger { return a.logger }

// RunID identifies this invocation in the log.
func (a *App) RunID() string { return a.runID }

// Journal returns the open journal, or nil in NoJournal mode.
func (a *App) Journal() core.Journal { return a.journal }

// Close finalizes the command history entry, closes the journal, checks it
// back in when it was checked out and writes the metrics textfile. Close
// runs to the end even after a failed or cancelled command so the lock is
// always released.
func (a *App) Close() error {
	ctx := context.Background()
	var errs []error

	if a.journal != nil {
		if err := a.recorder.Finish(ctx, a.op); err != nil {
			errs = append(errs, fmt.Errorf("finishing command record: %w", err))
		}
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
		a.journal = nil
	}

	if a.checkedOut {
		if err := a.lock.Checkin(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checking in journal: %w", err))
			a.logger.Error("journal was not checked in; run 'journal unlock' after fixing the cause", "error", err)
		}
		a.checkedOut = false
	}

	if a.tmpDir != "" {
		os.RemoveAll(a.tmpDir)
	}

	if path := a.cfg.Configuration.MetricsTextfile; path != "" {
		if err := a.counter.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return errors.Join(errs...)
}

// modalities returns the canonical modalities to work on: the selection,
// else every configured modality, else the well-known ones.
func (a *App) modalities(sel []string) []string {
	mods := sel
	if len(mods) == 0 {
		mods = a.cfg.Modalities()
	}
	if len(mods) == 0 {
		mods = []string{modality.Waveforms, modality.Images, modality.OMOP}
	}
	out := make([]string, 0, len(mods))
	seen := make(map[string]bool)
	for _, m := range mods {
		c := modality.Canonical(strings.TrimSpace(m))
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
	}
	return out
}

// site resolves the root of modality's site_path section.
func (a *App) site(ctx context.Context, mod string) (config.SiteConfig, storage.Path, error) {
	site, err := a.cfg.Site(mod)
	if err != nil {
		return config.SiteConfig{}, storage.Path{}, err
	}
	root, err := a.resolver.Resolve(ctx, site.Path, site.Storage())
	if err != nil {
		return config.SiteConfig{}, storage.Path{}, fmt.Errorf("resolving site path of %s: %w", mod, err)
	}
	return site, root, nil
}

// authFor picks the credentials of the configured section whose path
// contains raw.
func (a *App) authFor(raw string) storage.Auth {
	type section struct {
		path string
		auth config.Auth
	}
	sections := []section{
		{a.cfg.Journal.Path, a.cfg.Journal.Auth},
		{a.cfg.CentralPath.Path, a.cfg.CentralPath.Auth},
	}
	for _, s := range a.cfg.SitePath {
		sections = append(sections, section{s.Path, s.Auth})
	}

	var best section
	for _, s := range sections {
		prefix := strings.TrimSuffix(s.path, "/")
		if prefix == "" || len(prefix) <= len(best.path) {
			continue
		}
		if raw == prefix || strings.HasPrefix(raw, prefix+"/") {
			best = section{prefix, s.auth}
		}
	}
	if best.path == "" {
		// Same account or bucket as a configured section.
		loc, err := storage.ParseLocation(raw)
		if err != nil {
			return storage.Auth{}
		}
		for _, s := range sections {
			sl, err := storage.ParseLocation(s.path)
			if err == nil && sl.Scheme == loc.Scheme && sl.Account == loc.Account && sl.Bucket == loc.Bucket {
				return s.auth.Storage()
			}
		}
	}
	return best.auth.Storage()
}
