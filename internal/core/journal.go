package core

import (
	"context"
	"database/sql"
	"path"
	"time"
)

// SchemaVersion identifies the on-disk layout of a journal file.
type SchemaVersion int

const (
	SchemaUnknown SchemaVersion = 0
	SchemaV1      SchemaVersion = 1
	SchemaV2      SchemaVersion = 2
)

func (v SchemaVersion) String() string {
	switch v {
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	}
	return "unknown"
}

// Entry is one classified row handed to Journal.InsertEntries.
type Entry struct {
	PersonID    sql.NullString
	ParentPath  string // '/'-separated, relative to the modality root; "" for the root itself
	Filename    string
	Modality    string
	ModTimeUS   int64
	Size        int64
	MD5         string
	ValidUS     int64
	UploadUS    sql.NullInt64
	Version     string
	State       State         // persisted by v1 and the profile DB only
	MD5Duration time.Duration // profile DB only
}

// RelPath returns the path of the entry relative to its modality root.
func (e Entry) RelPath() string {
	return JoinRel(e.ParentPath, e.Filename)
}

// FileMeta is the projection returned by Journal.Files.
type FileMeta struct {
	FileID    int64
	PersonID  sql.NullString
	Path      string // relative to the modality root
	ModTimeUS int64
	Size      int64
	MD5       string
	Modality  string
	ValidUS   int64
	InvalidUS sql.NullInt64
	Version   string
	UploadUS  sql.NullInt64
}

// Active reports whether the row has no invalidation time.
func (f FileMeta) Active() bool { return !f.InvalidUS.Valid }

// Uploaded reports whether the row carries an upload mark.
func (f FileMeta) Uploaded() bool { return f.UploadUS.Valid }

// Inactivation closes the validity interval of one row.
type Inactivation struct {
	FileID int64
	State  State
}

// UploadMark records a verified transfer of one row.
type UploadMark struct {
	FileID        int64
	UploadUS      int64
	UploadSeconds float64
	VerifySeconds float64
}

// Tristate is a filter value that may be left unset.
type Tristate int

const (
	Any Tristate = iota
	Yes
	No
)

// FileFilter selects rows for Journal.Files. The zero value selects every row.
type FileFilter struct {
	Version    string
	Modalities []string // matched case-insensitively
	Active     Tristate
	Uploaded   Tristate
	Limit      int
}

// Command is one row of the command history.
type Command struct {
	ID           int64
	Datetime     time.Time
	CommonParams string
	Command      string
	Params       string
	SrcPaths     string
	DestPath     string
	Duration     sql.NullFloat64
}

// VersionStat holds the counts of one (version, modality) group.
type VersionStat struct {
	Version  string
	Modality string
	Active   int64
	ToUpload int64 // active and not yet uploaded
	Uploaded int64
	Inactive int64
}

// Journal is the catalog of every observed file. Both schema versions implement it.
type Journal interface {
	// SchemaVersion returns the schema detected when the journal was opened.
	SchemaVersion() SchemaVersion

	// Path returns the local file backing the journal.
	Path() string

	// InsertEntries bulk-inserts classified rows in one transaction and returns
	// the number of rows written.
	InsertEntries(ctx context.Context, entries []Entry) (int64, error)

	// Inactivate sets time_invalid_us on every listed row that is still active.
	Inactivate(ctx context.Context, invalidUS int64, rows []Inactivation) error

	// MarkUploadedWithDuration sets the upload mark of each listed row.
	// Rows that already carry a mark keep it.
	MarkUploadedWithDuration(ctx context.Context, marks []UploadMark) error

	// MarkUploaded sets the same upload mark on every listed row.
	MarkUploaded(ctx context.Context, uploadUS int64, fileIDs []int64) error

	// Files returns rows matching filter, ordered by file id.
	Files(ctx context.Context, filter FileFilter) ([]FileMeta, error)

	// Versions returns every version label in creation order.
	Versions(ctx context.Context) ([]string, error)

	// LatestVersion returns the most recently created version, or "" if none.
	LatestVersion(ctx context.Context) (string, error)

	// Stats returns counts grouped by (version, modality). An empty version
	// selects all versions.
	Stats(ctx context.Context, version string) ([]VersionStat, error)

	CreateCommand(ctx context.Context, cmd *Command) (int64, error)
	FinishCommand(ctx context.Context, id int64, duration time.Duration) error
	ListCommands(ctx context.Context, limit int) ([]Command, error)

	// BackupTo writes a consistent snapshot of the journal to destPath.
	BackupTo(ctx context.Context, destPath string) error

	Close() error
}

// JoinRel joins a relative parent path and a filename with '/'.
func JoinRel(parent, name string) string {
	if parent == "" || parent == "." {
		return name
	}
	return parent + "/" + name
}

// SplitRel splits a '/'-separated relative path into its parent and filename.
func SplitRel(rel string) (parent, name string) {
	parent, name = path.Split(rel)
	if len(parent) > 0 {
		parent = parent[:len(parent)-1]
	}
	return parent, name
}
