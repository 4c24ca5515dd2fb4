package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sitesync/internal/core"
)

// columns names the schema-specific expressions used by the shared query
// builders.
type columns struct {
	version   string
	modality  string
	invalidUS string
	upload    string
}

var (
	v1Columns = columns{version: "j.version", modality: "j.modality", invalidUS: "j.time_invalid_us", upload: "j.upload_dt"}
	v2Columns = columns{version: "v.version", modality: "m.modality", invalidUS: "j.time_invalid_us", upload: "j.upload_dt_id"}
)

// whereClause renders filter as a WHERE clause (possibly empty) plus args.
func whereClause(f core.FileFilter, c columns) (string, []any) {
	var conds []string
	var args []any

	if f.Version != "" {
		conds = append(conds, c.version+" = ?")
		args = append(args, f.Version)
	}
	if len(f.Modalities) > 0 {
		conds = append(conds, "lower("+c.modality+") IN ("+placeholders(len(f.Modalities))+")")
		for _, m := range f.Modalities {
			args = append(args, strings.ToLower(m))
		}
	}
	switch f.Active {
	case core.Yes:
		conds = append(conds, c.invalidUS+" IS NULL")
	case core.No:
		conds = append(conds, c.invalidUS+" IS NOT NULL")
	}
	switch f.Uploaded {
	case core.Yes:
		conds = append(conds, c.upload+" IS NOT NULL")
	case core.No:
		conds = append(conds, c.upload+" IS NULL")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// rowPlaceholders returns n parenthesized groups of width markers.
func rowPlaceholders(n, width int) string {
	row := "(" + placeholders(width) + ")"
	return strings.Repeat(row+", ", n-1) + row
}

// scanFiles reads rows in the column order of the Files projection.
func scanFiles(rows *sql.Rows) ([]core.FileMeta, error) {
	defer rows.Close()

	var out []core.FileMeta
	for rows.Next() {
		var (
			f        core.FileMeta
			parent   sql.NullString
			filename string
			md5      sql.NullString
			modality sql.NullString
			version  sql.NullString
		)
		err := rows.Scan(&f.FileID, &f.PersonID, &parent, &filename, &f.ModTimeUS, &f.Size, &md5,
			&modality, &f.ValidUS, &f.InvalidUS, &version, &f.UploadUS)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		f.Path = core.JoinRel(parent.String, filename)
		f.MD5 = md5.String
		f.Modality = modality.String
		f.Version = version.String
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return out, nil
}

// statsQuery builds the grouped count query over from, using c.
func statsQuery(from string, c columns, version string) (string, []any) {
	q := `SELECT ` + c.version + `, ` + c.modality + `,
		SUM(CASE WHEN ` + c.invalidUS + ` IS NULL THEN 1 ELSE 0 END),
		SUM(CASE WHEN ` + c.invalidUS + ` IS NULL AND ` + c.upload + ` IS NULL THEN 1 ELSE 0 END),
		SUM(CASE WHEN ` + c.upload + ` IS NOT NULL THEN 1 ELSE 0 END),
		SUM(CASE WHEN ` + c.invalidUS + ` IS NOT NULL THEN 1 ELSE 0 END)
	FROM ` + from
	var args []any
	if version != "" {
		q += " WHERE " + c.version + " = ?"
		args = append(args, version)
	}
	q += " GROUP BY " + c.version + ", " + c.modality + " ORDER BY MIN(j.file_id), " + c.modality
	return q, args
}

func (s *store) queryStats(ctx context.Context, q string, args []any) ([]core.VersionStat, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var out []core.VersionStat
	for rows.Next() {
		var st core.VersionStat
		var version, modality sql.NullString
		if err := rows.Scan(&version, &modality, &st.Active, &st.ToUpload, &st.Uploaded, &st.Inactive); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		st.Version = version.String
		st.Modality = modality.String
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *store) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Command history. The two schemas differ only in the table name.

// datetimeLayout is the text form of command_history.datetime.
const datetimeLayout = "2006-01-02 15:04:05.000000"

func (s *store) createCommand(ctx context.Context, table string, cmd *core.Command) (int64, error) {
	dt := cmd.Datetime
	if dt.IsZero() {
		dt = time.Now()
	}
	var res sql.Result
	var err error
	if cmd.ID > 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO `+table+`
			(command_id, datetime, common_params, command, params, src_paths, dest_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cmd.ID, dt.UTC().Format(datetimeLayout), cmd.CommonParams, cmd.Command, cmd.Params, cmd.SrcPaths, cmd.DestPath)
	} else {
		res, err = s.db.ExecContext(ctx, `INSERT INTO `+table+`
			(datetime, common_params, command, params, src_paths, dest_path)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dt.UTC().Format(datetimeLayout), cmd.CommonParams, cmd.Command, cmd.Params, cmd.SrcPaths, cmd.DestPath)
	}
	if err != nil {
		return 0, fmt.Errorf("recording command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading command id: %w", err)
	}
	return id, nil
}

func (s *store) finishCommand(ctx context.Context, table string, id int64, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, "UPDATE "+table+" SET duration = ? WHERE command_id = ?", d.Seconds(), id)
	if err != nil {
		return fmt.Errorf("finishing command %d: %w", id, err)
	}
	return nil
}

func (s *store) listCommands(ctx context.Context, table string, limit int) ([]core.Command, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT command_id, datetime, common_params, command, params, src_paths, dest_path, duration
		FROM `+table+` ORDER BY command_id DESC`+limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	return scanCommands(rows)
}

func scanCommands(rows *sql.Rows) ([]core.Command, error) {
	defer rows.Close()

	var out []core.Command
	for rows.Next() {
		var (
			c                                    core.Command
			dt                                   string
			common, params, srcPaths, dest, name sql.NullString
		)
		if err := rows.Scan(&c.ID, &dt, &common, &name, &params, &srcPaths, &dest, &c.Duration); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		c.Datetime = parseDatetime(dt)
		c.CommonParams = common.String
		c.Command = name.String
		c.Params = params.String
		c.SrcPaths = srcPaths.String
		c.DestPath = dest.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// parseDatetime accepts the layouts written by this and older releases.
func parseDatetime(s string) time.Time {
	for _, layout := range []string{datetimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(seconds float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: seconds, Valid: true}
}
