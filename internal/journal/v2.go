package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"sitesync/internal/core"
)

// V2Store implements core.Journal over the normalized v2 schema: parent
// path, modality, version and upload time live in lookup tables.
type V2Store struct {
	*store

	srcpaths   *idCache[string]
	modalities *idCache[string]
	versions   *idCache[string]
	uploads    *idCache[int64]
}

var _ core.Journal = (*V2Store)(nil)

func newV2Store(s *store) *V2Store {
	return &V2Store{
		store:      s,
		srcpaths:   newIDCache[string]("srcpaths", "src_path"),
		modalities: newIDCache[string]("modalities", "modality"),
		versions:   newIDCache[string]("versions", "version"),
		uploads:    newIDCache[int64]("uploads", "upload_dt"),
	}
}

func (s *V2Store) SchemaVersion() core.SchemaVersion { return core.SchemaV2 }

const selectFilesV2 = `SELECT j.file_id, j.person_id, s.src_path, j.filename, j.src_modtime_us, j.size, j.md5,
		m.modality, j.time_valid_us, j.time_invalid_us, v.version, u.upload_dt
	FROM journal_v2 j
	LEFT JOIN srcpaths s ON s.id = j.src_path_id
	LEFT JOIN modalities m ON m.id = j.modality_id
	LEFT JOIN versions v ON v.id = j.version_id
	LEFT JOIN uploads u ON u.id = j.upload_dt_id`

// InsertEntries upserts the distinct lookup values of entries, then inserts
// the normalized rows, all in one transaction.
func (s *V2Store) InsertEntries(ctx context.Context, entries []core.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var paths, mods, vers []string
	var ups []int64
	for _, e := range entries {
		paths = append(paths, e.ParentPath)
		mods = append(mods, e.Modality)
		vers = append(vers, e.Version)
		if e.UploadUS.Valid {
			ups = append(ups, e.UploadUS.Int64)
		}
	}

	pathIDs, commitPaths, err := s.srcpaths.resolve(ctx, tx, distinct(paths))
	if err != nil {
		return 0, err
	}
	modIDs, commitMods, err := s.modalities.resolve(ctx, tx, distinct(mods))
	if err != nil {
		return 0, err
	}
	verIDs, commitVers, err := s.versions.resolve(ctx, tx, distinct(vers))
	if err != nil {
		return 0, err
	}
	upIDs, commitUps, err := s.uploads.resolve(ctx, tx, distinct(ups))
	if err != nil {
		return 0, err
	}

	const width = 10
	var total int64
	var lastID int64
	for chunk := range slices.Chunk(entries, insertChunk) {
		args := make([]any, 0, len(chunk)*width)
		for _, e := range chunk {
			var upID sql.NullInt64
			if e.UploadUS.Valid {
				upID = sql.NullInt64{Int64: upIDs[e.UploadUS.Int64], Valid: true}
			}
			args = append(args, e.PersonID, pathIDs[e.ParentPath], e.Filename, modIDs[e.Modality],
				e.ModTimeUS, e.Size, nullString(e.MD5), e.ValidUS, upID, verIDs[e.Version])
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO journal_v2
			(person_id, src_path_id, filename, modality_id, src_modtime_us, size, md5, time_valid_us, upload_dt_id, version_id)
			VALUES `+rowPlaceholders(len(chunk), width), args...)
		if err != nil {
			return 0, fmt.Errorf("inserting journal rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting inserted rows: %w", err)
		}
		total += n
		if lastID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("reading inserted ids: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing journal rows: %w", err)
	}
	commitPaths()
	commitMods()
	commitVers()
	commitUps()

	if s.profile != nil {
		// Ids of one multi-row insert are consecutive; the final chunk ends at lastID.
		first := lastID - total + 1
		rows := make([]profileRow, 0, len(entries))
		for i, e := range entries {
			rows = append(rows, profileRow{
				fileID: first + int64(i),
				state:  nullString(string(e.State)),
				md5S:   sql.NullFloat64{Float64: e.MD5Duration.Seconds(), Valid: e.MD5Duration > 0},
			})
		}
		if err := s.recordProfile(ctx, rows); err != nil {
			s.logger.Warn("profile write failed", "error", err)
		}
	}
	return total, nil
}

// Inactivate closes the validity interval of still-active rows. The state
// is kept only in the profile database.
func (s *V2Store) Inactivate(ctx context.Context, invalidUS int64, rows []core.Inactivation) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE journal_v2 SET time_invalid_us = MAX(?, time_valid_us)
		WHERE file_id = ? AND time_invalid_us IS NULL`)
	if err != nil {
		return fmt.Errorf("preparing inactivation: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, invalidUS, r.FileID); err != nil {
			return fmt.Errorf("inactivating file %d: %w", r.FileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing inactivation: %w", err)
	}

	if s.profile != nil {
		prof := make([]profileRow, 0, len(rows))
		for _, r := range rows {
			prof = append(prof, profileRow{fileID: r.FileID, state: nullString(string(r.State))})
		}
		if err := s.recordProfile(ctx, prof); err != nil {
			s.logger.Warn("profile write failed", "error", err)
		}
	}
	return nil
}

func (s *V2Store) MarkUploadedWithDuration(ctx context.Context, marks []core.UploadMark) error {
	return s.markUploaded(ctx, marks, true)
}

func (s *V2Store) markUploaded(ctx context.Context, marks []core.UploadMark, profile bool) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	ups := make([]int64, 0, len(marks))
	for _, m := range marks {
		ups = append(ups, m.UploadUS)
	}
	upIDs, commitUps, err := s.uploads.resolve(ctx, tx, distinct(ups))
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE journal_v2 SET upload_dt_id = ?
		WHERE file_id = ? AND upload_dt_id IS NULL AND md5 IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("preparing upload mark: %w", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, upIDs[m.UploadUS], m.FileID); err != nil {
			return fmt.Errorf("marking file %d uploaded: %w", m.FileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upload marks: %w", err)
	}
	commitUps()

	if profile && s.profile != nil {
		prof := make([]profileRow, 0, len(marks))
		for _, m := range marks {
			prof = append(prof, profileRow{fileID: m.FileID, uploadS: nullFloat(m.UploadSeconds), verifyS: nullFloat(m.VerifySeconds)})
		}
		if err := s.recordProfile(ctx, prof); err != nil {
			s.logger.Warn("profile write failed", "error", err)
		}
	}
	return nil
}

func (s *V2Store) MarkUploaded(ctx context.Context, uploadUS int64, fileIDs []int64) error {
	marks := make([]core.UploadMark, 0, len(fileIDs))
	for _, id := range fileIDs {
		marks = append(marks, core.UploadMark{FileID: id, UploadUS: uploadUS})
	}
	return s.markUploaded(ctx, marks, false)
}

func (s *V2Store) Files(ctx context.Context, filter core.FileFilter) ([]core.FileMeta, error) {
	where, args := whereClause(filter, v2Columns)
	rows, err := s.db.QueryContext(ctx, selectFilesV2+where+" ORDER BY j.file_id"+limitClause(filter.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	return scanFiles(rows)
}

func (s *V2Store) Versions(ctx context.Context) ([]string, error) {
	out, err := s.queryStrings(ctx, "SELECT version FROM versions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return out, nil
}

func (s *V2Store) LatestVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT version FROM versions ORDER BY id DESC LIMIT 1").Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading latest version: %w", err)
	}
	return v, nil
}

func (s *V2Store) Stats(ctx context.Context, version string) ([]core.VersionStat, error) {
	q, args := statsQuery(`journal_v2 j
		JOIN versions v ON v.id = j.version_id
		JOIN modalities m ON m.id = j.modality_id`, v2Columns, version)
	return s.queryStats(ctx, q, args)
}

func (s *V2Store) CreateCommand(ctx context.Context, cmd *core.Command) (int64, error) {
	return s.createCommand(ctx, "command_history_v2", cmd)
}

func (s *V2Store) FinishCommand(ctx context.Context, id int64, d time.Duration) error {
	return s.finishCommand(ctx, "command_history_v2", id, d)
}

func (s *V2Store) ListCommands(ctx context.Context, limit int) ([]core.Command, error) {
	return s.listCommands(ctx, "command_history_v2", limit)
}
