package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"sitesync/internal/core"
	"sitesync/internal/journal/migrations"
)

// ErrAlreadyUpgraded is returned by Upgrade for a journal that is already v2.
var ErrAlreadyUpgraded = errors.New("journal already uses schema v2")

// UpgradeResult summarizes a v1 -> v2 migration.
type UpgradeResult struct {
	BackupPath  string
	ProfilePath string // empty unless profiling was requested
	Commands    int64
	Files       int64
}

// Upgrade migrates the v1 journal at path to v2 in place. The v1 file is
// kept as <name>_V1.db. On failure the original file is restored.
func Upgrade(ctx context.Context, path string, opts Options) (res *UpgradeResult, err error) {
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}

	version, err := detectFile(ctx, path)
	if err != nil {
		return nil, err
	}
	switch version {
	case core.SchemaV2:
		return nil, ErrAlreadyUpgraded
	case core.SchemaV1:
	default:
		return nil, fmt.Errorf("%w: %s has no journal table", core.ErrSchemaUnknown, path)
	}

	backup := V1BackupPath(path)
	if _, statErr := os.Stat(backup); statErr == nil {
		return nil, fmt.Errorf("v1 backup %s already exists", backup)
	}
	if err := os.Rename(path, backup); err != nil {
		return nil, fmt.Errorf("moving v1 journal aside: %w", err)
	}
	opts.Logger.Info("moved v1 journal aside", "backup", backup)

	db, err := OpenConnection(path)
	if err != nil {
		os.Rename(backup, path)
		return nil, err
	}
	defer func() {
		db.Close()
		if err != nil {
			os.Remove(path)
			if renameErr := os.Rename(backup, path); renameErr != nil {
				opts.Logger.Error("restoring v1 journal failed", "backup", backup, "error", renameErr)
			}
		}
	}()

	if err := migrations.MigrateUp(db, migrations.SetV2); err != nil {
		return nil, fmt.Errorf("creating v2 schema: %w", err)
	}

	// ATTACH is per connection; pin one for the whole copy.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS v1", backup); err != nil {
		return nil, fmt.Errorf("attaching v1 journal: %w", err)
	}

	res = &UpgradeResult{BackupPath: backup}
	if res.Commands, err = copyCommandHistory(ctx, conn); err != nil {
		return nil, err
	}
	if res.Files, err = copyJournalRows(ctx, conn); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "DETACH DATABASE v1"); err != nil {
		return nil, fmt.Errorf("detaching v1 journal: %w", err)
	}

	if opts.Profiling {
		res.ProfilePath = ProfilePath(path)
		if err := copyProfile(ctx, res.ProfilePath, backup); err != nil {
			return nil, err
		}
	}

	opts.Logger.Info("upgraded journal", "path", path, "files", res.Files, "commands", res.Commands)
	return res, nil
}

func detectFile(ctx context.Context, path string) (core.SchemaVersion, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.SchemaUnknown, fmt.Errorf("%w: %s", core.ErrJournalMissing, path)
		}
		return core.SchemaUnknown, fmt.Errorf("stat %s: %w", path, err)
	}
	db, err := OpenConnection(path)
	if err != nil {
		return core.SchemaUnknown, err
	}
	defer db.Close()
	return DetectSchema(ctx, db)
}

// copyCommandHistory re-inserts every v1 command row under its original id,
// then patches its duration.
func copyCommandHistory(ctx context.Context, conn *sql.Conn) (int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT command_id, datetime, common_params, command, params, src_paths, dest_path, duration
		FROM v1.command_history ORDER BY command_id`)
	if err != nil {
		return 0, fmt.Errorf("reading v1 command history: %w", err)
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return 0, err
	}

	for _, c := range cmds {
		_, err := conn.ExecContext(ctx, `INSERT INTO command_history_v2
			(command_id, datetime, common_params, command, params, src_paths, dest_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Datetime.UTC().Format(datetimeLayout), c.CommonParams, c.Command, c.Params, c.SrcPaths, c.DestPath)
		if err != nil {
			return 0, fmt.Errorf("copying command %d: %w", c.ID, err)
		}
		if c.Duration.Valid {
			if _, err := conn.ExecContext(ctx, "UPDATE command_history_v2 SET duration = ? WHERE command_id = ?",
				c.Duration.Float64, c.ID); err != nil {
				return 0, fmt.Errorf("patching duration of command %d: %w", c.ID, err)
			}
		}
	}
	return int64(len(cmds)), nil
}

// copyJournalRows fills the lookup tables from the distinct v1 values, then
// inserts the normalized rows under their original file ids.
func copyJournalRows(ctx context.Context, conn *sql.Conn) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"INSERT OR IGNORE INTO srcpaths (src_path) SELECT src_path FROM v1.journal GROUP BY src_path ORDER BY MIN(file_id)",
		"INSERT OR IGNORE INTO modalities (modality) SELECT modality FROM v1.journal GROUP BY modality ORDER BY MIN(file_id)",
		"INSERT OR IGNORE INTO versions (version) SELECT version FROM v1.journal GROUP BY version ORDER BY MIN(file_id)",
		`INSERT OR IGNORE INTO uploads (upload_dt) SELECT upload_dt FROM v1.journal
			WHERE upload_dt IS NOT NULL GROUP BY upload_dt ORDER BY upload_dt`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return 0, fmt.Errorf("populating lookup tables: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO journal_v2
		(file_id, person_id, src_path_id, filename, modality_id, src_modtime_us, size, md5,
		 time_valid_us, time_invalid_us, upload_dt_id, version_id)
		SELECT j.file_id, j.person_id, s.id, j.filename, m.id, j.src_modtime_us, j.size, j.md5,
			j.time_valid_us, j.time_invalid_us, u.id, v.id
		FROM v1.journal j
		JOIN srcpaths s ON s.src_path = j.src_path
		JOIN modalities m ON m.modality = j.modality
		JOIN versions v ON v.version = j.version
		LEFT JOIN uploads u ON u.upload_dt = j.upload_dt
		ORDER BY j.file_id`)
	if err != nil {
		return 0, fmt.Errorf("copying journal rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting copied rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing journal copy: %w", err)
	}
	return n, nil
}

// copyProfile creates the profile side file from the per-row state and
// durations of the v1 journal. Columns missing from older v1 files are
// copied as NULL.
func copyProfile(ctx context.Context, profilePath, v1Path string) error {
	db, err := openProfile(profilePath)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS v1", v1Path); err != nil {
		return fmt.Errorf("attaching v1 journal: %w", err)
	}
	defer conn.ExecContext(context.Background(), "DETACH DATABASE v1")

	cols, err := tableColumns(ctx, conn, "v1", "journal")
	if err != nil {
		return err
	}
	pick := func(name string) string {
		if cols[name] {
			return name
		}
		return "NULL"
	}

	_, err = conn.ExecContext(ctx, `INSERT OR REPLACE INTO performance (file_id, state, md5_duration, upload_duration, verify_duration)
		SELECT file_id, `+pick("state")+`, `+pick("md5_duration")+`, `+pick("upload_duration")+`, `+pick("verify_duration")+`
		FROM v1.journal`)
	if err != nil {
		return fmt.Errorf("copying profile rows: %w", err)
	}
	return nil
}

func tableColumns(ctx context.Context, conn *sql.Conn, schema, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, "SELECT name FROM pragma_table_info(?, ?)", table, schema)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("reading columns of %s.%s: %w", schema, table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
