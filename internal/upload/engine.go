package upload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"sitesync/internal/core"
	"sitesync/internal/modality"
	"sitesync/internal/perf"
	"sitesync/internal/storage"
)

// DefaultRetryDelay is the pause before the single retry of a transient
// transport failure.
const DefaultRetryDelay = 2 * time.Second

// Source is the site side of one modality.
type Source struct {
	// Root is the modality root the journal paths are relative to. Only
	// uploads read it.
	Root   storage.Path
	Mapper *modality.Mapper
}

// Config wires an Engine.
type Config struct {
	// Sources is keyed by canonical modality name.
	Sources map[string]Source
	// Dest is the central root; files land in Dest/<version>/<central path>.
	Dest storage.Path
	// Threads is N of the tiering rule; zero means DefaultThreads.
	Threads int
	// Limiter paces per-file cloud operations; nil means unlimited.
	Limiter    *rate.Limiter
	RetryDelay time.Duration
	FlushEvery int
	// JournalName is the file name of the journal copy written to each
	// version directory. Empty disables the backup.
	JournalName string
}

// Selection narrows the rows an operation reads from the journal.
type Selection struct {
	Version    string
	Modalities []string
	MaxFiles   int
}

// Report summarizes one engine operation.
type Report struct {
	Counts map[core.Outcome]int
	// Marked is the number of rows that gained an upload mark, including
	// earlier inactive rows of the same paths and the deletion sweep.
	Marked   int
	Swept    int
	Skipped  int
	NotFound int
	Bytes    int64
	// Versions lists the version directories written to, sorted.
	Versions []string
}

func newReport() *Report {
	return &Report{Counts: make(map[core.Outcome]int)}
}

// Failed returns the number of files that did not verify.
func (r *Report) Failed() int {
	return r.Counts[core.OutcomeMismatched] + r.Counts[core.OutcomeMissingSrc] + r.Counts[core.OutcomeMissingDest]
}

// Engine copies journal rows to the central store and verifies them.
type Engine struct {
	journal core.Journal
	cfg     Config
	logger  core.Logger
	clock   core.Clock
	counter *perf.Counter
}

// NewEngine creates an engine. logger, clock and counter may be nil.
func NewEngine(journal core.Journal, cfg Config, logger core.Logger, clock core.Clock, counter *perf.Counter) (*Engine, error) {
	if cfg.Dest.IsZero() {
		return nil, fmt.Errorf("%w: no central path", core.ErrConfig)
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if counter == nil {
		counter = perf.NewCounter(logger, clock, 0)
	}
	return &Engine{journal: journal, cfg: cfg, logger: logger, clock: clock, counter: counter}, nil
}

// NewLimiter returns a limiter allowing rps operations per second, or nil
// when rps is not positive.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
}

// result is the outcome of one file, handed from a worker to the collector.
type result struct {
	file    core.FileMeta
	dest    storage.Path
	outcome core.Outcome
	uploadS float64
	verifyS float64
	err     error
	// skipped results carry no outcome: cancelled or unmapped files.
	skipped bool
}

type workFunc func(ctx context.Context, f core.FileMeta, threads int) result

// run drives tiers one after another. Each tier has its own worker pool
// and results are collected on the calling goroutine in completion order.
// A collect error cancels the remaining work of the run.
func (e *Engine) run(ctx context.Context, tiers []Tier, work workFunc, collect func(result) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	for _, tier := range tiers {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		e.counter.StartSession(tier.Label(), int64(len(tier.Files)), tier.Bytes())
		e.logger.Debug("starting tier", "tier", tier.Index, "files", len(tier.Files), "in_flight", tier.InFlight, "threads", tier.Threads)

		jobs := make(chan core.FileMeta)
		results := make(chan result)
		var wg sync.WaitGroup
		for range min(tier.InFlight, len(tier.Files)) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for f := range jobs {
					results <- work(ctx, f, tier.Threads)
				}
			}()
		}
		go func() {
			defer close(jobs)
			for _, f := range tier.Files {
				select {
				case jobs <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			wg.Wait()
			close(results)
		}()

		for r := range results {
			if err := collect(r); err != nil {
				cancel(err)
			}
		}
	}
	return context.Cause(ctx)
}

// dest maps a row onto its central path.
func (e *Engine) dest(f core.FileMeta) (storage.Path, *Source, error) {
	src, ok := e.cfg.Sources[f.Modality]
	if !ok {
		return storage.Path{}, nil, fmt.Errorf("%w: no site_path for modality %s", core.ErrConfig, f.Modality)
	}
	central, err := src.Mapper.CentralPath(f.Path)
	if err != nil {
		return storage.Path{}, nil, fmt.Errorf("mapping %s: %w", f.Path, err)
	}
	return e.cfg.Dest.Join(f.Version, central), &src, nil
}

// transfer copies one file and verifies the copy.
func (e *Engine) transfer(ctx context.Context, f core.FileMeta, threads int) result {
	r := result{file: f}
	if ctx.Err() != nil {
		r.skipped = true
		return r
	}
	dst, src, err := e.dest(f)
	if err != nil {
		r.skipped, r.err = true, err
		return r
	}
	r.dest = dst
	if err := e.cfg.Limiter.Wait(ctx); err != nil {
		r.skipped = true
		return r
	}

	start := time.Now()
	err = e.copyWithRetry(ctx, src.Root.Join(f.Path), dst, storage.PutOptions{Threads: threads, MD5: f.MD5})
	r.uploadS = time.Since(start).Seconds()
	switch {
	case err == nil:
		e.counter.Observe("upload", time.Since(start))
	case errors.Is(err, core.ErrAuth), errors.Is(err, context.Canceled):
		r.skipped, r.err = true, err
		return r
	case storage.IsNotExist(err):
		r.outcome, r.err = core.OutcomeMissingSrc, err
		return r
	default:
		r.outcome, r.err = core.OutcomeMissingDest, err
		return r
	}

	r.outcome, r.verifyS, r.err = e.check(ctx, f, dst)
	if errors.Is(r.err, core.ErrAuth) {
		r.skipped = true
	}
	return r
}

// copyWithRetry retries a transient failure once.
func (e *Engine) copyWithRetry(ctx context.Context, src, dst storage.Path, opts storage.PutOptions) error {
	op := func() error {
		err := storage.Copy(ctx, src, dst, opts)
		if err == nil || storage.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), 1), ctx)
	return backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		e.logger.Debug("retrying transfer", "path", dst.String(), "after", d, "error", err)
	})
}

// check compares the destination object with the journal row.
func (e *Engine) check(ctx context.Context, f core.FileMeta, dst storage.Path) (core.Outcome, float64, error) {
	start := time.Now()
	defer func() { e.counter.Observe("verify", time.Since(start)) }()

	info, err := dst.Stat(ctx)
	if err != nil {
		return core.OutcomeMissingDest, time.Since(start).Seconds(), err
	}
	if !info.Exists {
		return core.OutcomeMissingDest, time.Since(start).Seconds(), core.ErrMissingDestination
	}
	if info.Size != f.Size {
		return core.OutcomeMismatched, time.Since(start).Seconds(),
			fmt.Errorf("%w: size %d, journal %d", core.ErrSizeHashMismatch, info.Size, f.Size)
	}
	hash, err := dst.Hash(ctx, f.MD5)
	if err != nil {
		return core.OutcomeMissingDest, time.Since(start).Seconds(), err
	}
	if hash != f.MD5 {
		return core.OutcomeMismatched, time.Since(start).Seconds(),
			fmt.Errorf("%w: md5 %s, journal %s", core.ErrSizeHashMismatch, hash, f.MD5)
	}
	return core.OutcomeMatched, time.Since(start).Seconds(), nil
}

// verifyOnly checks one file without copying it.
func (e *Engine) verifyOnly(ctx context.Context, f core.FileMeta, _ int) result {
	r := result{file: f}
	if ctx.Err() != nil {
		r.skipped = true
		return r
	}
	dst, _, err := e.dest(f)
	if err != nil {
		r.skipped, r.err = true, err
		return r
	}
	r.dest = dst
	if err := e.cfg.Limiter.Wait(ctx); err != nil {
		r.skipped = true
		return r
	}
	r.outcome, r.verifyS, r.err = e.check(ctx, f, dst)
	if errors.Is(r.err, core.ErrAuth) {
		r.skipped = true
	}
	return r
}

// pending holds the rows an upload or mark run works on.
type pending struct {
	files []core.FileMeta
	// prior holds inactive, unuploaded rows by modality and path.
	prior map[string][]int64
	// activePaths holds every active, unuploaded path of the selected
	// modalities, whatever the version and MaxFiles.
	activePaths map[string]bool
}

func pathKey(mod, rel string) string { return mod + "\x00" + rel }

func canonicalAll(mods []string) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, modality.Canonical(m))
	}
	return out
}

func (e *Engine) loadPending(ctx context.Context, sel Selection, uploaded core.Tristate) (*pending, error) {
	mods := canonicalAll(sel.Modalities)
	active, err := e.journal.Files(ctx, core.FileFilter{Modalities: mods, Active: core.Yes, Uploaded: uploaded})
	if err != nil {
		return nil, fmt.Errorf("loading files to upload: %w", err)
	}
	inactive, err := e.journal.Files(ctx, core.FileFilter{Modalities: mods, Active: core.No, Uploaded: core.No})
	if err != nil {
		return nil, fmt.Errorf("loading inactive files: %w", err)
	}

	p := &pending{
		prior:       make(map[string][]int64),
		activePaths: make(map[string]bool, len(active)),
	}
	for _, f := range active {
		if !f.Uploaded() {
			p.activePaths[pathKey(f.Modality, f.Path)] = true
		}
		if sel.Version != "" && f.Version != sel.Version {
			continue
		}
		p.files = append(p.files, f)
	}
	for _, f := range inactive {
		k := pathKey(f.Modality, f.Path)
		p.prior[k] = append(p.prior[k], f.FileID)
	}
	if sel.MaxFiles > 0 && len(p.files) > sel.MaxFiles {
		p.files = p.files[:sel.MaxFiles]
	}
	return p, nil
}

// uploadRun is the collecting side of Upload and MarkAsUploaded.
type uploadRun struct {
	e        *Engine
	ctx      context.Context
	report   *Report
	marks    *collector
	prior    map[string][]int64
	uploadUS int64
	versions map[string]bool
}

func (e *Engine) newUploadRun(ctx context.Context, p *pending) *uploadRun {
	return &uploadRun{
		e:        e,
		ctx:      ctx,
		report:   newReport(),
		marks:    newCollector(e.journal, e.cfg.FlushEvery),
		prior:    p.prior,
		uploadUS: e.clock.Now().UnixMicro(),
		versions: make(map[string]bool),
	}
}

func (u *uploadRun) collect(r result) error {
	if r.skipped {
		if r.err == nil || errors.Is(r.err, context.Canceled) {
			return nil
		}
		if errors.Is(r.err, core.ErrAuth) {
			return r.err
		}
		u.report.Skipped++
		u.e.logger.Warn("skipping file", "path", r.file.Path, "modality", r.file.Modality, "error", r.err)
		return nil
	}

	u.report.Counts[r.outcome]++
	u.e.counter.Add(string(r.outcome), r.file.Size)
	if r.outcome != core.OutcomeMatched {
		u.e.logger.Warn(string(r.outcome), "path", r.file.Path, "dest", r.dest.String(), "error", r.err)
		return nil
	}

	u.report.Bytes += r.file.Size
	u.versions[r.file.Version] = true
	marks := []core.UploadMark{{FileID: r.file.FileID, UploadUS: u.uploadUS, UploadSeconds: r.uploadS, VerifySeconds: r.verifyS}}
	k := pathKey(r.file.Modality, r.file.Path)
	for _, id := range u.prior[k] {
		marks = append(marks, core.UploadMark{FileID: id, UploadUS: u.uploadUS})
	}
	delete(u.prior, k)
	return u.marks.add(u.ctx, marks...)
}

// finish flushes queued marks and fills the report.
func (u *uploadRun) finish() error {
	err := u.marks.flush(u.ctx)
	u.report.Marked = u.marks.marked
	for v := range u.versions {
		u.report.Versions = append(u.report.Versions, v)
	}
	slices.Sort(u.report.Versions)
	return err
}

// Upload copies every active, unuploaded row of sel to the central store,
// verifies each copy and marks the matches uploaded. Per-file failures are
// counted in the report; rejected credentials end the run with an error.
func (e *Engine) Upload(ctx context.Context, sel Selection) (*Report, error) {
	p, err := e.loadPending(ctx, sel, core.No)
	if err != nil {
		return nil, err
	}
	tiers := Tiers(p.files, e.cfg.Threads, storage.BlockSize)
	e.logger.Info("upload started", "files", len(p.files), "tiers", len(tiers), "threads", e.cfg.Threads, "dest", e.cfg.Dest.String())

	u := e.newUploadRun(ctx, p)
	runErr := e.run(ctx, tiers, e.transfer, u.collect)
	if err := u.finish(); err != nil {
		return u.report, errors.Join(runErr, err)
	}
	if runErr != nil {
		return u.report, runErr
	}

	if err := e.sweepDeleted(ctx, u, p); err != nil {
		return u.report, err
	}
	if err := e.backupJournal(ctx, u.report.Versions); err != nil {
		return u.report, err
	}

	e.logger.Info("upload finished", e.summaryArgs(u.report)...)
	return u.report, nil
}

// sweepDeleted marks inactive rows whose path has no pending active row.
// They were inactivated before any upload saw them and are never retried.
func (e *Engine) sweepDeleted(ctx context.Context, u *uploadRun, p *pending) error {
	var ids []int64
	for k, rows := range u.prior {
		if p.activePaths[k] {
			continue
		}
		ids = append(ids, rows...)
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)
	if err := e.journal.MarkUploaded(ctx, u.uploadUS, ids); err != nil {
		return fmt.Errorf("marking deleted files: %w", err)
	}
	u.report.Swept = len(ids)
	u.report.Marked += len(ids)
	e.logger.Info("marked deleted files as uploaded", "files", len(ids))
	return nil
}

// Verify checks active rows of sel against the central store. It changes
// nothing; the report holds the counts.
func (e *Engine) Verify(ctx context.Context, sel Selection) (*Report, error) {
	files, err := e.journal.Files(ctx, core.FileFilter{Version: sel.Version, Modalities: canonicalAll(sel.Modalities), Active: core.Yes, Limit: sel.MaxFiles})
	if err != nil {
		return nil, fmt.Errorf("loading files to verify: %w", err)
	}
	e.logger.Info("verify started", "files", len(files), "dest", e.cfg.Dest.String())

	report := newReport()
	tier := Tier{Index: 1, InFlight: e.cfg.Threads, Threads: 1, Files: files}
	err = e.run(ctx, []Tier{tier}, e.verifyOnly, func(r result) error {
		if r.skipped {
			if errors.Is(r.err, core.ErrAuth) {
				return r.err
			}
			if r.err != nil {
				report.Skipped++
				e.logger.Warn("skipping file", "path", r.file.Path, "error", r.err)
			}
			return nil
		}
		report.Counts[r.outcome]++
		e.counter.Add(string(r.outcome), r.file.Size)
		if r.outcome == core.OutcomeMatched {
			report.Bytes += r.file.Size
		} else {
			e.logger.Warn(string(r.outcome), "path", r.file.Path, "dest", r.dest.String(), "error", r.err)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	e.logger.Info("verify finished", e.summaryArgs(report)...)
	return report, nil
}

// MarkAsUploaded records files moved by an external transfer. Each listed
// path, relative to its modality root, is verified against the central
// store before it is marked. Paths not active in the journal are skipped.
func (e *Engine) MarkAsUploaded(ctx context.Context, paths []string, sel Selection) (*Report, error) {
	p, err := e.loadPending(ctx, sel, core.Any)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string][]core.FileMeta, len(p.files))
	for _, f := range p.files {
		byPath[f.Path] = append(byPath[f.Path], f)
	}

	u := e.newUploadRun(ctx, p)
	var files []core.FileMeta
	for _, rel := range paths {
		rows, ok := byPath[rel]
		if !ok {
			u.report.NotFound++
			e.logger.Warn("skipping path", "path", rel, "error", core.ErrNotFoundInJournal)
			continue
		}
		for _, f := range rows {
			if f.Uploaded() {
				e.logger.Debug("already uploaded", "path", rel, "modality", f.Modality)
				continue
			}
			files = append(files, f)
		}
	}
	e.logger.Info("mark as uploaded started", "paths", len(paths), "files", len(files))

	tier := Tier{Index: 1, InFlight: e.cfg.Threads, Threads: 1, Files: files}
	runErr := e.run(ctx, []Tier{tier}, e.verifyOnly, u.collect)
	if err := u.finish(); err != nil {
		return u.report, errors.Join(runErr, err)
	}
	if runErr != nil {
		return u.report, runErr
	}
	e.logger.Info("mark as uploaded finished", e.summaryArgs(u.report)...)
	return u.report, nil
}

func (e *Engine) summaryArgs(r *Report) []any {
	args := []any{
		"matched", r.Counts[core.OutcomeMatched],
		"mismatched", r.Counts[core.OutcomeMismatched],
		"missing_src", r.Counts[core.OutcomeMissingSrc],
		"missing_dest", r.Counts[core.OutcomeMissingDest],
		"marked", r.Marked,
	}
	if r.Skipped > 0 {
		args = append(args, "skipped", r.Skipped)
	}
	if r.NotFound > 0 {
		args = append(args, "not_found", r.NotFound)
	}
	return args
}
