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

// V1Store implements core.Journal over the legacy single-table layout, where
// parent path, modality, version and upload time are inline columns and the
// state and durations live in the journal row itself.
type V1Store struct {
	*store
}

var _ core.Journal = (*V1Store)(nil)

func (s *V1Store) SchemaVersion() core.SchemaVersion { return core.SchemaV1 }

const selectFilesV1 = `SELECT j.file_id, j.person_id, j.src_path, j.filename, j.src_modtime_us, j.size, j.md5,
		j.modality, j.time_valid_us, j.time_invalid_us, j.version, j.upload_dt
	FROM journal j`

func (s *V1Store) InsertEntries(ctx context.Context, entries []core.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	const width = 12
	var total int64
	for chunk := range slices.Chunk(entries, insertChunk) {
		args := make([]any, 0, len(chunk)*width)
		for _, e := range chunk {
			var md5S sql.NullFloat64
			if s.profiling && e.MD5Duration > 0 {
				md5S = nullFloat(e.MD5Duration.Seconds())
			}
			args = append(args, e.PersonID, e.ParentPath, e.Filename, e.Modality, e.ModTimeUS, e.Size,
				nullString(e.MD5), e.ValidUS, e.UploadUS, e.Version, nullString(string(e.State)), md5S)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO journal
			(person_id, src_path, filename, modality, src_modtime_us, size, md5, time_valid_us, upload_dt, version, state, md5_duration)
			VALUES `+rowPlaceholders(len(chunk), width), args...)
		if err != nil {
			return 0, fmt.Errorf("inserting journal rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting inserted rows: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing journal rows: %w", err)
	}
	return total, nil
}

// Inactivate closes the validity interval of still-active rows and records
// the state that closed it.
func (s *V1Store) Inactivate(ctx context.Context, invalidUS int64, rows []core.Inactivation) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE journal SET time_invalid_us = MAX(?, time_valid_us), state = ?
		WHERE file_id = ? AND time_invalid_us IS NULL`)
	if err != nil {
		return fmt.Errorf("preparing inactivation: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, invalidUS, string(r.State), r.FileID); err != nil {
			return fmt.Errorf("inactivating file %d: %w", r.FileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing inactivation: %w", err)
	}
	return nil
}

func (s *V1Store) MarkUploadedWithDuration(ctx context.Context, marks []core.UploadMark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE journal
		SET upload_dt = ?,
			upload_duration = COALESCE(?, upload_duration),
			verify_duration = COALESCE(?, verify_duration)
		WHERE file_id = ? AND upload_dt IS NULL AND md5 IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("preparing upload mark: %w", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		var upS, verS sql.NullFloat64
		if s.profiling {
			upS, verS = nullFloat(m.UploadSeconds), nullFloat(m.VerifySeconds)
		}
		if _, err := stmt.ExecContext(ctx, m.UploadUS, upS, verS, m.FileID); err != nil {
			return fmt.Errorf("marking file %d uploaded: %w", m.FileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upload marks: %w", err)
	}
	return nil
}

func (s *V1Store) MarkUploaded(ctx context.Context, uploadUS int64, fileIDs []int64) error {
	marks := make([]core.UploadMark, 0, len(fileIDs))
	for _, id := range fileIDs {
		marks = append(marks, core.UploadMark{FileID: id, UploadUS: uploadUS})
	}
	return s.MarkUploadedWithDuration(ctx, marks)
}

func (s *V1Store) Files(ctx context.Context, filter core.FileFilter) ([]core.FileMeta, error) {
	where, args := whereClause(filter, v1Columns)
	rows, err := s.db.QueryContext(ctx, selectFilesV1+where+" ORDER BY j.file_id"+limitClause(filter.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	return scanFiles(rows)
}

func (s *V1Store) Versions(ctx context.Context) ([]string, error) {
	out, err := s.queryStrings(ctx, "SELECT version FROM journal GROUP BY version ORDER BY MIN(file_id)")
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return out, nil
}

func (s *V1Store) LatestVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM journal GROUP BY version ORDER BY MIN(file_id) DESC LIMIT 1").Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading latest version: %w", err)
	}
	return v, nil
}

func (s *V1Store) Stats(ctx context.Context, version string) ([]core.VersionStat, error) {
	q, args := statsQuery("journal j", v1Columns, version)
	return s.queryStats(ctx, q, args)
}

func (s *V1Store) CreateCommand(ctx context.Context, cmd *core.Command) (int64, error) {
	return s.createCommand(ctx, "command_history", cmd)
}

func (s *V1Store) FinishCommand(ctx context.Context, id int64, d time.Duration) error {
	return s.finishCommand(ctx, "command_history", id, d)
}

func (s *V1Store) ListCommands(ctx context.Context, limit int) ([]core.Command, error) {
	return s.listCommands(ctx, "command_history", limit)
}
