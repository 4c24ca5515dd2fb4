package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"sitesync/internal/core"
	"sitesync/internal/history"
	"sitesync/internal/journal"
	"sitesync/internal/lock"
	"sitesync/internal/modality"
	"sitesync/internal/scan"
	"sitesync/internal/script"
	"sitesync/internal/storage"
	"sitesync/internal/upload"
)

// UpdateOptions controls a journal update.
type UpdateOptions struct {
	Modalities []string
	Version    string
	Amend      bool
	DryRun     bool
}

// Update scans the site trees and records the differences in the journal.
func (a *App) Update(ctx context.Context, opts UpdateOptions) (*scan.Report, error) {
	if a.journal == nil {
		return nil, fmt.Errorf("update needs an open journal")
	}
	var sources []scan.Source
	for _, mod := range a.modalities(opts.Modalities) {
		site, root, err := a.site(ctx, mod)
		if err != nil {
			return nil, err
		}
		sources = append(sources, scan.Source{
			Modality: mod,
			Root:     root,
			Exclude:  modality.NewExcludeMatcher(site.Exclude),
		})
		a.op.SrcPaths = append(a.op.SrcPaths, site.Path)
	}

	if !opts.DryRun {
		if err := a.persistOperation(ctx); err != nil {
			return nil, err
		}
	}
	s := scan.NewScanner(a.journal, a.logger, a.clock, a.counter)
	report, err := s.Update(ctx, sources, scan.Options{
		Version:  opts.Version,
		Amend:    opts.Amend,
		PageSize: a.cfg.Configuration.PageSize,
		Workers:  a.cfg.Threads(),
		DryRun:   opts.DryRun,
	})
	a.counter.LogSummary("scan totals")
	return report, err
}

// Stats returns the per-version counts; an empty version selects all.
func (a *App) Stats(ctx context.Context, version string) ([]core.VersionStat, error) {
	return a.journal.Stats(ctx, version)
}

// Files returns active rows of sel. uploaded narrows to rows with or
// without an upload mark.
func (a *App) Files(ctx context.Context, sel upload.Selection, uploaded core.Tristate) ([]core.FileMeta, error) {
	var mods []string
	if len(sel.Modalities) > 0 {
		mods = a.modalities(sel.Modalities)
	}
	files, err := a.journal.Files(ctx, core.FileFilter{
		Version:    sel.Version,
		Modalities: mods,
		Active:     core.Yes,
		Uploaded:   uploaded,
		Limit:      sel.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// History returns the most recent commands, newest first.
func (a *App) History(ctx context.Context, limit int) ([]core.Command, error) {
	return a.journal.ListCommands(ctx, limit)
}

// engine builds the upload engine for the modalities of sel.
func (a *App) engine(ctx context.Context, mods []string) (*upload.Engine, error) {
	dest, err := a.resolver.Resolve(ctx, a.cfg.CentralPath.Path, a.cfg.CentralPath.Storage())
	if err != nil {
		return nil, fmt.Errorf("resolving central path: %w", err)
	}
	a.op.DestPath = a.cfg.CentralPath.Path

	sources := make(map[string]upload.Source)
	for _, mod := range a.modalities(mods) {
		site, root, err := a.site(ctx, mod)
		if err != nil {
			return nil, err
		}
		mapper, err := modality.NewMapper(mod, site.PathPattern, site.CentralPattern, site.OmopPerPatient)
		if err != nil {
			return nil, fmt.Errorf("site_path.%s: %w", mod, err)
		}
		sources[mod] = upload.Source{Root: root, Mapper: mapper}
		a.op.SrcPaths = append(a.op.SrcPaths, site.Path)
	}

	return upload.NewEngine(a.journal, upload.Config{
		Sources:     sources,
		Dest:        dest,
		Threads:     a.cfg.Threads(),
		Limiter:     upload.NewLimiter(a.cfg.Configuration.RequestsPerSecond),
		RetryDelay:  upload.DefaultRetryDelay,
		JournalName: a.cfg.JournalName(),
	}, a.logger, a.clock, a.counter)
}

// Upload copies pending files to the central store and marks the verified ones.
func (a *App) Upload(ctx context.Context, sel upload.Selection) (*upload.Report, error) {
	e, err := a.engine(ctx, sel.Modalities)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	report, err := e.Upload(ctx, sel)
	a.counter.LogSummary("upload totals")
	return report, err
}

// Verify checks active files against the central store.
func (a *App) Verify(ctx context.Context, sel upload.Selection) (*upload.Report, error) {
	e, err := a.engine(ctx, sel.Modalities)
	if err != nil {
		return nil, err
	}
	return e.Verify(ctx, sel)
}

// MarkAsUploaded verifies files moved by an external transfer and marks
// the matches.
func (a *App) MarkAsUploaded(ctx context.Context, paths []string, sel upload.Selection) (*upload.Report, error) {
	e, err := a.engine(ctx, sel.Modalities)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	return e.MarkAsUploaded(ctx, paths, sel)
}

// MarkDeleted inactivates the active rows of paths with state DELETED.
func (a *App) MarkDeleted(ctx context.Context, paths, mods []string) (marked, notFound int, err error) {
	if err := a.persistOperation(ctx); err != nil {
		return 0, 0, err
	}
	s := scan.NewScanner(a.journal, a.logger, a.clock, a.counter)
	return s.MarkDeleted(ctx, paths, a.modalities(mods))
}

// Upgrade migrates a v1 journal to v2 and reopens it. It returns
// journal.ErrAlreadyUpgraded for a v2 journal.
func (a *App) Upgrade(ctx context.Context) (*journal.UpgradeResult, error) {
	jopts, err := a.journalOptions()
	if err != nil {
		return nil, err
	}
	if a.journal.SchemaVersion() == core.SchemaV2 {
		return nil, journal.ErrAlreadyUpgraded
	}
	path := a.journal.Path()
	if err := a.journal.Close(); err != nil {
		return nil, fmt.Errorf("closing journal: %w", err)
	}
	a.journal = nil

	res, upErr := journal.Upgrade(ctx, path, jopts)
	j, err := journal.Open(ctx, path, jopts)
	if err != nil {
		return res, fmt.Errorf("reopening journal: %w", err)
	}
	a.journal = j
	a.recorder = history.NewRecorder(j, a.clock)
	if upErr != nil {
		return nil, upErr
	}
	return res, a.persistOperation(ctx)
}

// WriteScript renders the pending files of sel as an az or azcopy script.
func (a *App) WriteScript(ctx context.Context, w io.Writer, tool script.Tool, shell script.Shell, sel upload.Selection) (int, error) {
	pending, err := a.Files(ctx, sel, core.No)
	if err != nil {
		return 0, err
	}

	mappers := make(map[string]*modality.Mapper)
	files := make([]script.File, 0, len(pending))
	for _, f := range pending {
		site, err := a.cfg.Site(f.Modality)
		if err != nil {
			return 0, err
		}
		m, ok := mappers[f.Modality]
		if !ok {
			m, err = modality.NewMapper(f.Modality, site.PathPattern, site.CentralPattern, site.OmopPerPatient)
			if err != nil {
				return 0, fmt.Errorf("site_path.%s: %w", f.Modality, err)
			}
			mappers[f.Modality] = m
		}
		central, err := m.CentralPath(f.Path)
		if err != nil {
			a.logger.Warn("skipping file", "path", f.Path, "modality", f.Modality, "error", err)
			continue
		}
		files = append(files, script.File{
			Rel:    f.Path,
			Source: joinLocation(site.Path, f.Path),
			Dest:   joinLocation(a.cfg.CentralPath.Path, f.Version+"/"+central),
		})
	}

	err = script.Write(w, files, script.Options{
		Tool:         tool,
		Shell:        shell,
		Journal:      a.cfg.Journal.Path,
		LocalJournal: a.cfg.LocalJournalPath(),
		AccountURL:   a.cfg.CentralPath.AzureAccountURL,
		Login:        strings.EqualFold(a.cfg.CentralPath.AuthMode, storage.AuthModeLogin),
		ConfigPath:   a.opts.ConfigPath,
	})
	return len(files), err
}

// joinLocation appends a '/'-separated relative path to a configured
// location.
func joinLocation(base, rel string) string {
	if loc, err := storage.ParseLocation(base); err == nil && loc.Scheme == "file" {
		return filepath.Join(base, filepath.FromSlash(rel))
	}
	return strings.TrimSuffix(base, "/") + "/" + rel
}

// Checkout takes the journal lock and leaves the working copy in place
// for later --local-journal commands.
func (a *App) Checkout(ctx context.Context) (string, error) {
	if err := a.requireLock(); err != nil {
		return "", err
	}
	if err := a.lock.Checkout(ctx); err != nil {
		return "", err
	}
	return a.lock.LocalPath(), nil
}

// Checkin uploads the working copy and releases the lock.
func (a *App) Checkin(ctx context.Context) error {
	if err := a.requireLock(); err != nil {
		return err
	}
	return a.lock.Checkin(ctx)
}

// Unlock force-releases the journal lock.
func (a *App) Unlock(ctx context.Context) (lock.UnlockAction, error) {
	if err := a.requireLock(); err != nil {
		return lock.UnlockNoop, err
	}
	return a.lock.Unlock(ctx)
}

func (a *App) requireLock() error {
	if a.lock == nil {
		return fmt.Errorf("%w: lock commands do not take --local-journal", core.ErrConfig)
	}
	return nil
}

// remote resolves raw with the credentials of the matching config section.
func (a *App) remote(ctx context.Context, raw string) (storage.Path, error) {
	return a.resolver.Resolve(ctx, raw, a.authFor(raw))
}

// RemoteList walks the objects below url.
func (a *App) RemoteList(ctx context.Context, url string, fn func([]storage.FileInfo) error) error {
	p, err := a.remote(ctx, url)
	if err != nil {
		return err
	}
	return p.Walk(ctx, a.cfg.Configuration.PageSize, fn)
}

// RemoteCopy copies one object between any two locations.
func (a *App) RemoteCopy(ctx context.Context, from, to string) error {
	src, err := a.remote(ctx, from)
	if err != nil {
		return err
	}
	dst, err := a.remote(ctx, to)
	if err != nil {
		return err
	}
	return storage.Copy(ctx, src, dst, storage.PutOptions{Threads: max(1, a.cfg.Threads())})
}

// RemoteDelete removes one object.
func (a *App) RemoteDelete(ctx context.Context, url string) error {
	p, err := a.remote(ctx, url)
	if err != nil {
		return err
	}
	return p.Delete(ctx)
}
