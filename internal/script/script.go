// Package script writes shell scripts that transfer files with az or azcopy
// instead of the built-in engine, then report back through
// "file mark_as_uploaded_local".
package script

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"strings"

	"sitesync/internal/core"
	"sitesync/internal/storage"
)

// DefaultBlockSize is the number of transfers between two journal updates.
const DefaultBlockSize = 1000

// Tool is the client the script drives.
type Tool string

const (
	AzCLI  Tool = "azcli"
	AzCopy Tool = "azcopy"
)

// ParseTool validates an --output-type or upload_method value.
func ParseTool(s string) (Tool, error) {
	switch t := Tool(strings.ToLower(s)); t {
	case AzCLI, AzCopy:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown script type %q (want azcli or azcopy)", core.ErrConfig, s)
}

// Shell is the interpreter the script targets.
type Shell string

const (
	POSIX Shell = "sh"
	Cmd   Shell = "cmd"
)

// ShellFor returns the native shell of goos; empty means this host.
func ShellFor(goos string) Shell {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "windows" {
		return Cmd
	}
	return POSIX
}

// File is one transfer.
type File struct {
	// Rel is the journal path handed back to mark_as_uploaded_local.
	Rel string
	// Source is a local path or an az:// URL.
	Source string
	// Dest is an az:// URL.
	Dest string
}

// Options configures a script.
type Options struct {
	Tool  Tool
	Shell Shell
	// Journal is the configured journal location. An az:// journal is
	// checked out under its lock; a local one is used in place.
	Journal      string
	LocalJournal string
	// AccountURL overrides the blob endpoint.
	AccountURL string
	// Login uses the signed-in identity instead of a SAS token.
	Login bool
	// Program is the command that runs sitesync; default "sitesync".
	Program    string
	ConfigPath string
	BlockSize  int
}

const (
	localJournalVar = "LOCAL_JOURNAL"
	fileListVar     = "FILE_LIST"
)

// Write renders the script for files to w.
func Write(w io.Writer, files []File, opts Options) error {
	if opts.Program == "" {
		opts.Program = "sitesync"
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Shell == "" {
		opts.Shell = ShellFor("")
	}

	var d dialect = posix{}
	if opts.Shell == Cmd {
		d = cmdShell{}
	}
	var t tool
	switch opts.Tool {
	case AzCLI:
		t = azCLI{login: opts.Login}
	case AzCopy:
		t = azCopy{login: opts.Login}
	default:
		return fmt.Errorf("%w: unknown script type %q", core.ErrConfig, opts.Tool)
	}

	jloc, err := storage.ParseLocation(opts.Journal)
	if err != nil {
		return err
	}
	remoteJournal := jloc.Scheme == "az"
	localJournal := opts.LocalJournal
	if !remoteJournal {
		if jloc.Scheme != "file" {
			return fmt.Errorf("%w: scripts need an az:// or local journal, got %s", core.ErrConfig, opts.Journal)
		}
		localJournal = jloc.Key
	}
	if localJournal == "" {
		return fmt.Errorf("%w: no local journal path", core.ErrConfig)
	}

	var lines []string
	emit := func(l ...string) { lines = append(lines, l...) }
	lj := envVar(localJournalVar)

	emit(d.preamble(t.requiredEnv())...)
	emit(d.comment(fmt.Sprintf("sitesync %s script for %d files", opts.Tool, len(files))))
	emit(d.setVar(localJournalVar, lit(localJournal)), "")

	var journal, lock blob
	if remoteJournal {
		if journal, err = toBlob(jloc, opts.AccountURL); err != nil {
			return err
		}
		lock = journal.withSuffix(".locked")
		probe, printsTrue := t.lockProbe(lock, lj.plus(lit(".locked")))
		emit(d.comment("check out the journal"))
		emit(d.failIfLocked(probe, printsTrue, "journal "+opts.Journal+" is locked")...)
		emit(d.run(t.download(journal, lj)),
			d.run(t.upload(lj, lock)),
			d.run(t.remove(journal)),
			"")
	}

	mark := []word{lit(opts.Program)}
	if opts.ConfigPath != "" {
		mark = append(mark, lit("-c"), lit(opts.ConfigPath))
	}
	mark = append(mark, lit("file"), lit("mark_as_uploaded_local"),
		lit("--local-journal"), lj, lit("--file-list"), envVar(fileListVar))

	for start := 0; start < len(files); start += opts.BlockSize {
		block := files[start:min(start+opts.BlockSize, len(files))]
		n := start/opts.BlockSize + 1
		emit(d.comment(fmt.Sprintf("block %d: %d files", n, len(block))))
		emit(d.newList(fileListVar, n)...)
		for _, f := range block {
			cmd, err := transferCmd(t, f, opts.AccountURL)
			if err != nil {
				return err
			}
			emit(d.record(cmd, f.Rel, fileListVar))
		}
		emit(d.run(mark), d.removeList(fileListVar), "")
	}

	if remoteJournal {
		emit(d.comment("check in the journal"))
		emit(d.run(t.upload(lj, journal)), d.run(t.remove(lock)))
	}

	eol := "\n"
	if opts.Shell == Cmd {
		eol = "\r\n"
	}
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		if _, err := bw.WriteString(l + eol); err != nil {
			return fmt.Errorf("writing script: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return nil
}

func toBlob(loc storage.Location, accountURL string) (blob, error) {
	u, err := loc.BlobURL(accountURL)
	if err != nil {
		return blob{}, err
	}
	return blob{loc: loc, url: u}, nil
}

func transferCmd(t tool, f File, accountURL string) ([]word, error) {
	dloc, err := storage.ParseLocation(f.Dest)
	if err != nil {
		return nil, err
	}
	dst, err := toBlob(dloc, accountURL)
	if err != nil {
		return nil, fmt.Errorf("destination of %s: %w", f.Rel, err)
	}
	sloc, err := storage.ParseLocation(f.Source)
	if err != nil {
		return nil, err
	}
	switch sloc.Scheme {
	case "file":
		return t.upload(lit(sloc.Key), dst), nil
	case "az":
		src, err := toBlob(sloc, accountURL)
		if err != nil {
			return nil, err
		}
		return t.copyBlob(src, dst), nil
	}
	return nil, fmt.Errorf("%w: scripts cannot read %s sources (%s)", core.ErrConfig, sloc.Scheme, f.Source)
}
