package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sitesync/internal/core"
	"sitesync/internal/journal/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// insertChunk is the number of rows written per INSERT statement.
const insertChunk = 1000

// Options controls how a journal file is opened.
type Options struct {
	// NewSchema is the layout created when the file has no journal tables.
	// Defaults to v2.
	NewSchema core.SchemaVersion

	// Profiling records per-file state and durations (in the v1 table, or in
	// the <name>_profile.db side file for v2).
	Profiling bool

	Logger core.Logger
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the journal relies on. path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writes and keeps ":memory:" databases whole.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// DetectSchema probes the table names of db. It returns SchemaUnknown with a
// nil error when neither layout is present.
func DetectSchema(ctx context.Context, db *sql.DB) (core.SchemaVersion, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('journal', 'journal_v2')")
	if err != nil {
		return core.SchemaUnknown, fmt.Errorf("probing journal tables: %w", err)
	}
	defer rows.Close()

	var hasV1, hasV2 bool
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return core.SchemaUnknown, fmt.Errorf("probing journal tables: %w", err)
		}
		hasV1 = hasV1 || name == "journal"
		hasV2 = hasV2 || name == "journal_v2"
	}
	if err := rows.Err(); err != nil {
		return core.SchemaUnknown, fmt.Errorf("probing journal tables: %w", err)
	}

	switch {
	case hasV1 && hasV2:
		return core.SchemaUnknown, fmt.Errorf("%w: both journal and journal_v2 tables present", core.ErrSchemaUnknown)
	case hasV2:
		return core.SchemaV2, nil
	case hasV1:
		return core.SchemaV1, nil
	}
	return core.SchemaUnknown, nil
}

// Open opens the journal at path, creating the schema if the file has none,
// and returns the store matching the detected layout.
func Open(ctx context.Context, path string, opts Options) (core.Journal, error) {
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	version, err := DetectSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version == core.SchemaUnknown {
		version = opts.NewSchema
		if version == core.SchemaUnknown {
			version = core.SchemaV2
		}
		if err := migrations.MigrateUp(db, schemaSet(version)); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s journal at %s: %w", version, path, err)
		}
		opts.Logger.Info("created journal", "path", path, "schema", version.String())
	}

	if err := checkMigrations(db, version); err != nil {
		db.Close()
		return nil, err
	}

	s := &store{db: db, path: path, logger: opts.Logger}
	if version == core.SchemaV1 {
		s.profiling = opts.Profiling
		return &V1Store{store: s}, nil
	}

	if opts.Profiling {
		profile, err := openProfile(ProfilePath(path))
		if err != nil {
			db.Close()
			return nil, err
		}
		s.profile = profile
		s.profiling = true
	}
	return newV2Store(s), nil
}

// checkMigrations verifies the golang-migrate version of journals created
// by this tool. Files without a version table predate it and are accepted.
func checkMigrations(db *sql.DB, version core.SchemaVersion) error {
	ok, err := migrations.HasVersionTable(db)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := migrations.CheckDBMigrationStatus(db, schemaSet(version)); err != nil {
		return fmt.Errorf("%w: %w", core.ErrSchemaUnknown, err)
	}
	return nil
}

func schemaSet(v core.SchemaVersion) migrations.Set {
	if v == core.SchemaV1 {
		return migrations.SetV1
	}
	return migrations.SetV2
}

func openProfile(path string) (*sql.DB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}
	if err := migrations.MigrateUp(db, migrations.SetProfile); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating profile database: %w", err)
	}
	return db, nil
}

// ProfilePath returns the side file holding per-file performance rows.
func ProfilePath(journalPath string) string {
	return siblingWithSuffix(journalPath, "_profile")
}

// V1BackupPath returns the name the v1 file is moved to by Upgrade.
func V1BackupPath(journalPath string) string {
	return siblingWithSuffix(journalPath, "_V1")
}

func siblingWithSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".db"
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + suffix + ext
}

// store holds what both schema versions share: the connection, the
// optional profile database and the command-history queries.
type store struct {
	db        *sql.DB
	path      string
	profile   *sql.DB
	profiling bool
	logger    core.Logger
}

func (s *store) Path() string { return s.path }

func (s *store) Close() error {
	var firstErr error
	if s.profile != nil {
		if err := s.profile.Close(); err != nil {
			firstErr = fmt.Errorf("closing profile database: %w", err)
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing journal: %w", err)
	}
	return firstErr
}

// BackupTo writes a consistent snapshot with VACUUM INTO, replacing destPath.
func (s *store) BackupTo(ctx context.Context, destPath string) error {
	if err := os.Remove(destPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up journal to %s: %w", destPath, err)
	}
	return nil
}

// recordProfile upserts performance rows into the profile database.
func (s *store) recordProfile(ctx context.Context, rows []profileRow) error {
	if s.profile == nil || len(rows) == 0 {
		return nil
	}
	tx, err := s.profile.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting profile transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO performance (file_id, state, md5_duration, upload_duration, verify_duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			state = COALESCE(excluded.state, performance.state),
			md5_duration = COALESCE(excluded.md5_duration, performance.md5_duration),
			upload_duration = COALESCE(excluded.upload_duration, performance.upload_duration),
			verify_duration = COALESCE(excluded.verify_duration, performance.verify_duration)`)
	if err != nil {
		return fmt.Errorf("preparing profile upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.fileID, r.state, r.md5S, r.uploadS, r.verifyS); err != nil {
			return fmt.Errorf("recording profile for file %d: %w", r.fileID, err)
		}
	}
	return tx.Commit()
}

type profileRow struct {
	fileID  int64
	state   sql.NullString
	md5S    sql.NullFloat64
	uploadS sql.NullFloat64
	verifyS sql.NullFloat64
}
