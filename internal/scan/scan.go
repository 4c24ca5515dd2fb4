package scan

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	"sitesync/internal/core"
	"sitesync/internal/modality"
	"sitesync/internal/perf"
	"sitesync/internal/storage"
)

// DefaultPageSize is the number of paths classified and flushed together.
const DefaultPageSize = 1000

// Source is one modality root to scan.
type Source struct {
	Modality string
	Root     storage.Path
	Exclude  *modality.ExcludeMatcher
}

// Options controls one Update run.
type Options struct {
	// Version labels new rows. Empty means the latest version when Amend
	// is set and a new timestamp label otherwise.
	Version  string
	Amend    bool
	PageSize int
	Workers  int
	// DryRun classifies without writing to the journal.
	DryRun bool
}

// Report summarizes an Update run.
type Report struct {
	Version     string
	Counts      map[core.State]int
	Inserted    int64
	Inactivated int
}

func (r *Report) add(st core.State) { r.Counts[st]++ }

// Scanner diffs modality trees against the journal.
type Scanner struct {
	journal core.Journal
	logger  core.Logger
	clock   core.Clock
	counter *perf.Counter
}

// NewScanner creates a scanner. counter may be nil.
func NewScanner(journal core.Journal, logger core.Logger, clock core.Clock, counter *perf.Counter) *Scanner {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if counter == nil {
		counter = perf.NewCounter(logger, clock, 0)
	}
	return &Scanner{journal: journal, logger: logger, clock: clock, counter: counter}
}

// Update scans every source in order. The version label is resolved once,
// by the first source, and every later source amends it.
func (s *Scanner) Update(ctx context.Context, sources []Source, opts Options) (*Report, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Workers <= 0 {
		opts.Workers = min(32, runtime.NumCPU()+4)
	}

	version, err := s.resolveVersion(ctx, opts)
	if err != nil {
		return nil, err
	}
	report := &Report{Version: version, Counts: make(map[core.State]int)}
	s.logger.Info("scan started", "version", version, "amend", opts.Amend, "modalities", len(sources), "dry_run", opts.DryRun)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.scanModality(ctx, src, version, opts, report); err != nil {
			return report, fmt.Errorf("scanning %s: %w", src.Modality, err)
		}
	}

	s.logger.Info("scan finished", append([]any{
		"version", version,
		"inserted", report.Inserted,
		"inactivated", report.Inactivated,
	}, countArgs(report.Counts)...)...)
	return report, nil
}

func (s *Scanner) resolveVersion(ctx context.Context, opts Options) (string, error) {
	if opts.Version != "" {
		return opts.Version, nil
	}
	if opts.Amend {
		latest, err := s.journal.LatestVersion(ctx)
		if err != nil {
			return "", err
		}
		if latest != "" {
			return latest, nil
		}
		s.logger.Warn("nothing to amend, starting a new version")
	}
	return core.VersionLabel(s.clock.Now()), nil
}

// modalityScan is the state of one modality pass.
type modalityScan struct {
	modality string
	root     storage.Path
	version  string
	nowUS    int64

	// active holds the rows still awaiting a verdict, by relative path.
	active map[string][]core.FileMeta
	// seen holds every path found in the tree.
	seen map[string]bool
}

func (s *Scanner) scanModality(ctx context.Context, src Source, version string, opts Options, report *Report) error {
	mod := modality.Canonical(src.Modality)
	rows, err := s.journal.Files(ctx, core.FileFilter{Modalities: []string{mod}, Active: core.Yes})
	if err != nil {
		return fmt.Errorf("loading active files: %w", err)
	}

	ms := &modalityScan{
		modality: mod,
		root:     src.Root,
		version:  version,
		nowUS:    s.clock.Now().UnixMicro(),
		active:   make(map[string][]core.FileMeta, len(rows)),
		seen:     make(map[string]bool),
	}
	for _, r := range rows {
		ms.active[r.Path] = append(ms.active[r.Path], r)
	}

	pattern := modality.GlobPattern(mod)
	s.counter.StartSession("scan "+mod, 0, 0)
	s.logger.Info("scanning modality", "modality", mod, "root", src.Root.String(), "pattern", pattern, "active", len(rows))

	err = src.Root.Glob(ctx, pattern, opts.PageSize, func(page []storage.FileInfo) error {
		items := make([]storage.FileInfo, 0, len(page))
		for _, fi := range page {
			if src.Exclude.Match(fi.Key) {
				s.logger.Debug("excluded", "path", fi.Key)
				continue
			}
			items = append(items, fi)
		}
		if len(items) == 0 {
			return nil
		}
		return s.processPage(ctx, ms, items, opts, report)
	})
	if err != nil {
		return err
	}

	// Whatever is left was not confirmed by the tree.
	var rest []core.Inactivation
	for rel, olds := range ms.active {
		st := core.StateDeleted
		if ms.seen[rel] {
			st = core.StateOutdated
		}
		for _, old := range olds {
			rest = append(rest, core.Inactivation{FileID: old.FileID, State: st})
			report.add(st)
			s.counter.Add(string(st), 0)
		}
	}
	if len(rest) > 0 && !opts.DryRun {
		if err := s.journal.Inactivate(ctx, ms.nowUS, rest); err != nil {
			return err
		}
	}
	report.Inactivated += len(rest)
	return nil
}

// verdict is the classification of one path.
type verdict struct {
	rel   string
	state core.State
	entry *core.Entry
	old   *core.FileMeta
	err   error
}

func (s *Scanner) processPage(ctx context.Context, ms *modalityScan, items []storage.FileInfo, opts Options, report *Report) error {
	verdicts := make([]verdict, len(items))
	err := forEach(ctx, len(items), opts.Workers, func(i int) error {
		verdicts[i] = s.classify(ctx, ms, items[i])
		return nil
	})
	if err != nil {
		return err
	}

	var inserts []core.Entry
	var inactivations []core.Inactivation
	for _, v := range verdicts {
		ms.seen[v.rel] = true
		if v.err != nil {
			if storage.IsNotExist(v.err) {
				s.logger.Warn("file vanished during scan", "path", v.rel)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("classifying %s: %w", v.rel, v.err)
		}

		report.add(v.state)
		var size int64
		if v.entry != nil {
			size = v.entry.Size
		}
		s.counter.Add(string(v.state), size)

		switch v.state {
		case core.StateKeep:
			delete(ms.active, v.rel)
		case core.StateError3:
			s.logger.Warn("mtime matches but size differs; skipping",
				"path", v.rel, "error", core.ErrInconsistentJournal)
			delete(ms.active, v.rel)
		case core.StateError1:
			s.logger.Warn("several active rows share this path; they will be outdated",
				"path", v.rel, "rows", len(ms.active[v.rel]), "error", core.ErrInconsistentJournal)
		case core.StateAdded:
			inserts = append(inserts, *v.entry)
		case core.StateUpdated, core.StateMoved:
			inserts = append(inserts, *v.entry)
			inactivations = append(inactivations, core.Inactivation{FileID: v.old.FileID, State: v.state})
			delete(ms.active, v.rel)
		}
	}

	if opts.DryRun {
		report.Inactivated += len(inactivations)
		return nil
	}
	// Close old rows before inserting their successors.
	if err := s.journal.Inactivate(ctx, ms.nowUS, inactivations); err != nil {
		return err
	}
	report.Inactivated += len(inactivations)
	n, err := s.journal.InsertEntries(ctx, inserts)
	if err != nil {
		return err
	}
	report.Inserted += n
	return nil
}

// classify decides the state of one path. It only reads ms.
func (s *Scanner) classify(ctx context.Context, ms *modalityScan, fi storage.FileInfo) verdict {
	rel := fi.Key
	v := verdict{rel: rel}
	mtime := fi.ModTimeUS()

	olds := ms.active[rel]
	switch len(olds) {
	case 0:
		v.state = core.StateAdded
	case 1:
		old := olds[0]
		v.old = &old
		switch {
		case old.ModTimeUS == mtime && old.Size == fi.Size:
			v.state = core.StateKeep
			return v
		case old.ModTimeUS == mtime:
			v.state = core.StateError3
			return v
		}
	default:
		v.state = core.StateError1
		return v
	}

	start := time.Now()
	hash, err := ms.root.Join(rel).Hash(ctx, "")
	if err != nil {
		v.err = err
		return v
	}
	took := time.Since(start)
	s.counter.Observe("hash", took)

	e := ms.newEntry(rel, fi, hash)
	e.MD5Duration = took
	if v.old != nil {
		if v.old.Size == fi.Size && v.old.MD5 == hash {
			v.state = core.StateMoved
			e.Version = v.old.Version
			e.UploadUS = v.old.UploadUS
		} else {
			v.state = core.StateUpdated
		}
	}
	e.State = v.state
	v.entry = &e
	return v
}

func (ms *modalityScan) newEntry(rel string, fi storage.FileInfo, hash string) core.Entry {
	parent, name := core.SplitRel(rel)
	e := core.Entry{
		ParentPath: parent,
		Filename:   name,
		Modality:   ms.modality,
		ModTimeUS:  fi.ModTimeUS(),
		Size:       fi.Size,
		MD5:        strings.ToLower(hash),
		ValidUS:    ms.nowUS,
		Version:    ms.version,
	}
	if id, ok := modality.PersonID(rel); ok {
		e.PersonID = sql.NullString{String: id, Valid: true}
	}
	return e
}

func countArgs(counts map[core.State]int) []any {
	var args []any
	for _, st := range []core.State{core.StateAdded, core.StateUpdated, core.StateMoved, core.StateKeep,
		core.StateOutdated, core.StateDeleted, core.StateError1, core.StateError3} {
		if n := counts[st]; n > 0 {
			args = append(args, strings.ToLower(string(st)), n)
		}
	}
	return args
}

// MarkDeleted inactivates the active rows of the listed paths with state
// DELETED, whether or not they were uploaded. Paths without an active row
// are logged and counted in notFound.
func (s *Scanner) MarkDeleted(ctx context.Context, paths []string, modalities []string) (marked, notFound int, err error) {
	mods := make([]string, 0, len(modalities))
	for _, m := range modalities {
		mods = append(mods, modality.Canonical(m))
	}
	rows, err := s.journal.Files(ctx, core.FileFilter{Modalities: mods, Active: core.Yes})
	if err != nil {
		return 0, 0, fmt.Errorf("loading active files: %w", err)
	}
	byPath := make(map[string][]int64, len(rows))
	for _, r := range rows {
		byPath[r.Path] = append(byPath[r.Path], r.FileID)
	}

	var rest []core.Inactivation
	for _, rel := range paths {
		ids, ok := byPath[rel]
		if !ok {
			notFound++
			s.logger.Warn("skipping path", "path", rel, "error", core.ErrNotFoundInJournal)
			continue
		}
		for _, id := range ids {
			rest = append(rest, core.Inactivation{FileID: id, State: core.StateDeleted})
		}
		delete(byPath, rel)
	}
	if err := s.journal.Inactivate(ctx, s.clock.Now().UnixMicro(), rest); err != nil {
		return 0, notFound, err
	}
	s.logger.Info("marked files as deleted", "files", len(rest), "not_found", notFound)
	return len(rest), notFound, nil
}
