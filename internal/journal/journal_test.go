package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitesync/internal/core"
)

var schemas = []core.SchemaVersion{core.SchemaV1, core.SchemaV2}

// newTestJournal opens a fresh journal file of the given schema.
func newTestJournal(t *testing.T, schema core.SchemaVersion) core.Journal {
	t.Helper()

	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), path, Options{NewSchema: schema})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func entry(rel, modality, version string, mtime, size int64, md5 string) core.Entry {
	parent, name := core.SplitRel(rel)
	return core.Entry{
		ParentPath: parent,
		Filename:   name,
		Modality:   modality,
		ModTimeUS:  mtime,
		Size:       size,
		MD5:        md5,
		ValidUS:    1_000,
		Version:    version,
		State:      core.StateAdded,
	}
}

func forEachSchema(t *testing.T, fn func(t *testing.T, j core.Journal)) {
	t.Helper()
	for _, schema := range schemas {
		t.Run(schema.String(), func(t *testing.T) {
			fn(t, newTestJournal(t, schema))
		})
	}
}

func TestOpen_CreatesRequestedSchema(t *testing.T) {
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		if j.SchemaVersion() == core.SchemaUnknown {
			t.Errorf("SchemaVersion() = unknown")
		}
	})

	t.Run("defaults to v2", func(t *testing.T) {
		j := newTestJournal(t, core.SchemaUnknown)
		if j.SchemaVersion() != core.SchemaV2 {
			t.Errorf("SchemaVersion() = %v, want v2", j.SchemaVersion())
		}
	})
}

func TestOpen_ReopensExistingSchema(t *testing.T) {
	ctx := context.Background()
	for _, schema := range schemas {
		t.Run(schema.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "journal.db")
			j, err := Open(ctx, path, Options{NewSchema: schema})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if _, err := j.InsertEntries(ctx, []core.Entry{entry("a.csv", "OMOP", "v1", 1, 1, "aa")}); err != nil {
				t.Fatalf("InsertEntries() error = %v", err)
			}
			j.Close()

			// The requested schema is ignored once tables exist.
			other := core.SchemaV2
			if schema == core.SchemaV2 {
				other = core.SchemaV1
			}
			j, err = Open(ctx, path, Options{NewSchema: other})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer j.Close()
			if j.SchemaVersion() != schema {
				t.Errorf("SchemaVersion() = %v, want %v", j.SchemaVersion(), schema)
			}
			files, err := j.Files(ctx, core.FileFilter{})
			if err != nil {
				t.Fatalf("Files() error = %v", err)
			}
			if len(files) != 1 {
				t.Errorf("len(Files()) = %d, want 1", len(files))
			}
		})
	}
}

func TestDetectSchema_BothTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	db, err := OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer db.Close()

	for _, q := range []string{"CREATE TABLE journal (file_id INTEGER)", "CREATE TABLE journal_v2 (file_id INTEGER)"} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("Exec(%q) error = %v", q, err)
		}
	}

	_, err = DetectSchema(context.Background(), db)
	if !errors.Is(err, core.ErrSchemaUnknown) {
		t.Errorf("DetectSchema() error = %v, want ErrSchemaUnknown", err)
	}

	if _, err := Open(context.Background(), path, Options{}); !errors.Is(err, core.ErrSchemaUnknown) {
		t.Errorf("Open() error = %v, want ErrSchemaUnknown", err)
	}
}

func TestJournal_InsertAndFiles(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		e := entry("P001/Waveforms/2024/a.bin", "Waveforms", "20240101000000", 111, 42, "5d41402abc4b2a76b9719d911017c592")
		e.PersonID = sql.NullString{String: "P001", Valid: true}
		e.UploadUS = sql.NullInt64{Int64: 777, Valid: true}
		entries := []core.Entry{
			e,
			entry("0.csv", "OMOP", "20240101000000", 222, 10, "aa"),
		}

		n, err := j.InsertEntries(ctx, entries)
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}
		if n != 2 {
			t.Errorf("InsertEntries() = %d, want 2", n)
		}

		files, err := j.Files(ctx, core.FileFilter{})
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("len(Files()) = %d, want 2", len(files))
		}

		got := files[0]
		if got.Path != "P001/Waveforms/2024/a.bin" {
			t.Errorf("Path = %q, want P001/Waveforms/2024/a.bin", got.Path)
		}
		if got.PersonID.String != "P001" {
			t.Errorf("PersonID = %v, want P001", got.PersonID)
		}
		if got.Modality != "Waveforms" || got.Version != "20240101000000" {
			t.Errorf("Modality, Version = %q, %q", got.Modality, got.Version)
		}
		if got.ModTimeUS != 111 || got.Size != 42 || got.MD5 != "5d41402abc4b2a76b9719d911017c592" {
			t.Errorf("ModTimeUS, Size, MD5 = %d, %d, %q", got.ModTimeUS, got.Size, got.MD5)
		}
		if !got.Active() {
			t.Error("Active() = false, want true")
		}
		if got.UploadUS.Int64 != 777 {
			t.Errorf("UploadUS = %v, want 777", got.UploadUS)
		}
		if files[1].Path != "0.csv" || files[1].Uploaded() {
			t.Errorf("second row = %+v", files[1])
		}
	})
}

func TestJournal_InsertEntriesChunks(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		var entries []core.Entry
		for i := range insertChunk*2 + 17 {
			entries = append(entries, entry(fmt.Sprintf("dir%d/f%d.bin", i%7, i), "OMOP", "v", int64(i), 1, "aa"))
		}
		n, err := j.InsertEntries(ctx, entries)
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}
		if n != int64(len(entries)) {
			t.Errorf("InsertEntries() = %d, want %d", n, len(entries))
		}
	})
}

func TestJournal_FilesFilter(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		_, err := j.InsertEntries(ctx, []core.Entry{
			entry("a.csv", "OMOP", "v1", 1, 1, "aa"),
			entry("b.csv", "OMOP", "v1", 1, 1, "bb"),
			entry("P1/Images/c.png", "Images", "v2", 1, 1, "cc"),
		})
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}
		if err := j.Inactivate(ctx, 5_000, []core.Inactivation{{FileID: 2, State: core.StateDeleted}}); err != nil {
			t.Fatalf("Inactivate() error = %v", err)
		}
		if err := j.MarkUploaded(ctx, 9_000, []int64{1}); err != nil {
			t.Fatalf("MarkUploaded() error = %v", err)
		}

		tests := []struct {
			name   string
			filter core.FileFilter
			want   []int64
		}{
			{"all", core.FileFilter{}, []int64{1, 2, 3}},
			{"active", core.FileFilter{Active: core.Yes}, []int64{1, 3}},
			{"inactive", core.FileFilter{Active: core.No}, []int64{2}},
			{"uploaded", core.FileFilter{Uploaded: core.Yes}, []int64{1}},
			{"to upload", core.FileFilter{Active: core.Yes, Uploaded: core.No}, []int64{3}},
			{"modality case-insensitive", core.FileFilter{Modalities: []string{"omop"}}, []int64{1, 2}},
			{"version", core.FileFilter{Version: "v2"}, []int64{3}},
			{"limit", core.FileFilter{Limit: 2}, []int64{1, 2}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				files, err := j.Files(ctx, tt.filter)
				if err != nil {
					t.Fatalf("Files() error = %v", err)
				}
				var ids []int64
				for _, f := range files {
					ids = append(ids, f.FileID)
				}
				if !equalIDs(ids, tt.want) {
					t.Errorf("Files() ids = %v, want %v", ids, tt.want)
				}
			})
		}
	})
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJournal_Inactivate(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		if _, err := j.InsertEntries(ctx, []core.Entry{entry("a.csv", "OMOP", "v1", 1, 1, "aa")}); err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}

		// An invalidation time before the valid time is clamped.
		if err := j.Inactivate(ctx, 10, []core.Inactivation{{FileID: 1, State: core.StateOutdated}}); err != nil {
			t.Fatalf("Inactivate() error = %v", err)
		}
		// A second inactivation leaves the first time in place.
		if err := j.Inactivate(ctx, 50_000, []core.Inactivation{{FileID: 1, State: core.StateDeleted}}); err != nil {
			t.Fatalf("Inactivate() error = %v", err)
		}

		files, err := j.Files(ctx, core.FileFilter{})
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if got := files[0].InvalidUS; !got.Valid || got.Int64 != files[0].ValidUS {
			t.Errorf("InvalidUS = %v, want %d", got, files[0].ValidUS)
		}
	})
}

func TestJournal_MarkUploaded(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		_, err := j.InsertEntries(ctx, []core.Entry{
			entry("a.csv", "OMOP", "v1", 1, 1, "aa"),
			entry("b.csv", "OMOP", "v1", 1, 1, ""),
		})
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}

		marks := []core.UploadMark{
			{FileID: 1, UploadUS: 100, UploadSeconds: 0.5, VerifySeconds: 0.1},
			{FileID: 2, UploadUS: 100},
		}
		if err := j.MarkUploadedWithDuration(ctx, marks); err != nil {
			t.Fatalf("MarkUploadedWithDuration() error = %v", err)
		}
		if err := j.MarkUploaded(ctx, 200, []int64{1}); err != nil {
			t.Fatalf("MarkUploaded() error = %v", err)
		}

		files, err := j.Files(ctx, core.FileFilter{})
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if files[0].UploadUS.Int64 != 100 {
			t.Errorf("UploadUS = %v, want first mark 100", files[0].UploadUS)
		}
		if files[1].Uploaded() {
			t.Error("row without md5 was marked uploaded")
		}
	})
}

func TestJournal_Versions(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		latest, err := j.LatestVersion(ctx)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if latest != "" {
			t.Errorf("LatestVersion() = %q, want empty", latest)
		}

		for _, v := range []string{"20240301000000", "20240101000000", "20240301000000"} {
			if _, err := j.InsertEntries(ctx, []core.Entry{entry("a.csv", "OMOP", v, 1, 1, "aa")}); err != nil {
				t.Fatalf("InsertEntries() error = %v", err)
			}
		}

		versions, err := j.Versions(ctx)
		if err != nil {
			t.Fatalf("Versions() error = %v", err)
		}
		if len(versions) != 2 || versions[0] != "20240301000000" || versions[1] != "20240101000000" {
			t.Errorf("Versions() = %v, want creation order", versions)
		}

		latest, err = j.LatestVersion(ctx)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if latest != "20240101000000" {
			t.Errorf("LatestVersion() = %q, want 20240101000000", latest)
		}
	})
}

func TestJournal_Stats(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		_, err := j.InsertEntries(ctx, []core.Entry{
			entry("a.csv", "OMOP", "v1", 1, 1, "aa"),
			entry("b.csv", "OMOP", "v1", 1, 1, "bb"),
			entry("c.csv", "OMOP", "v1", 1, 1, "cc"),
			entry("P1/Images/c.png", "Images", "v2", 1, 1, "dd"),
		})
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}
		if err := j.MarkUploaded(ctx, 5, []int64{1}); err != nil {
			t.Fatalf("MarkUploaded() error = %v", err)
		}
		if err := j.Inactivate(ctx, 5_000, []core.Inactivation{{FileID: 2, State: core.StateDeleted}}); err != nil {
			t.Fatalf("Inactivate() error = %v", err)
		}

		stats, err := j.Stats(ctx, "")
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		want := []core.VersionStat{
			{Version: "v1", Modality: "OMOP", Active: 2, ToUpload: 1, Uploaded: 1, Inactive: 1},
			{Version: "v2", Modality: "Images", Active: 1, ToUpload: 1, Uploaded: 0, Inactive: 0},
		}
		if len(stats) != len(want) {
			t.Fatalf("Stats() = %+v, want %+v", stats, want)
		}
		for i := range want {
			if stats[i] != want[i] {
				t.Errorf("Stats()[%d] = %+v, want %+v", i, stats[i], want[i])
			}
		}

		stats, err = j.Stats(ctx, "v2")
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if len(stats) != 1 || stats[0].Version != "v2" {
			t.Errorf("Stats(v2) = %+v", stats)
		}
	})
}

func TestJournal_CommandHistory(t *testing.T) {
	ctx := context.Background()
	forEachSchema(t, func(t *testing.T, j core.Journal) {
		start := time.Date(2024, 5, 1, 12, 30, 0, 123000, time.UTC)
		id, err := j.CreateCommand(ctx, &core.Command{
			Datetime:     start,
			CommonParams: `{"verbose":false}`,
			Command:      "journal update",
			Params:       `{"amend":true}`,
			SrcPaths:     `{"OMOP":"/data/omop"}`,
		})
		if err != nil {
			t.Fatalf("CreateCommand() error = %v", err)
		}
		if _, err := j.CreateCommand(ctx, &core.Command{Command: "file upload"}); err != nil {
			t.Fatalf("CreateCommand() error = %v", err)
		}
		if err := j.FinishCommand(ctx, id, 1500*time.Millisecond); err != nil {
			t.Fatalf("FinishCommand() error = %v", err)
		}

		cmds, err := j.ListCommands(ctx, 0)
		if err != nil {
			t.Fatalf("ListCommands() error = %v", err)
		}
		if len(cmds) != 2 {
			t.Fatalf("len(ListCommands()) = %d, want 2", len(cmds))
		}
		if cmds[0].Command != "file upload" || cmds[0].Duration.Valid {
			t.Errorf("newest command = %+v", cmds[0])
		}
		got := cmds[1]
		if got.ID != id || !got.Datetime.Equal(start) || got.Duration.Float64 != 1.5 {
			t.Errorf("first command = %+v", got)
		}
		if got.SrcPaths != `{"OMOP":"/data/omop"}` {
			t.Errorf("SrcPaths = %q", got.SrcPaths)
		}

		limited, err := j.ListCommands(ctx, 1)
		if err != nil {
			t.Fatalf("ListCommands() error = %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("len(ListCommands(1)) = %d, want 1", len(limited))
		}
	})
}

func TestJournal_BackupTo(t *testing.T) {
	ctx := context.Background()
	for _, schema := range schemas {
		t.Run(schema.String(), func(t *testing.T) {
			j := newTestJournal(t, schema)
			if _, err := j.InsertEntries(ctx, []core.Entry{entry("a.csv", "OMOP", "v1", 1, 1, "aa")}); err != nil {
				t.Fatalf("InsertEntries() error = %v", err)
			}

			dest := filepath.Join(t.TempDir(), "snapshot.db")
			if err := os.WriteFile(dest, []byte("stale"), 0o600); err != nil {
				t.Fatal(err)
			}
			if err := j.BackupTo(ctx, dest); err != nil {
				t.Fatalf("BackupTo() error = %v", err)
			}

			snap, err := Open(ctx, dest, Options{})
			if err != nil {
				t.Fatalf("Open(snapshot) error = %v", err)
			}
			defer snap.Close()
			if snap.SchemaVersion() != schema {
				t.Errorf("snapshot schema = %v, want %v", snap.SchemaVersion(), schema)
			}
			files, err := snap.Files(ctx, core.FileFilter{})
			if err != nil {
				t.Fatalf("Files() error = %v", err)
			}
			if len(files) != 1 {
				t.Errorf("len(Files()) = %d, want 1", len(files))
			}
		})
	}
}

func TestV2Store_Profiling(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(ctx, path, Options{Profiling: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer j.Close()

	e := entry("a.csv", "OMOP", "v1", 1, 1, "aa")
	e.MD5Duration = 250 * time.Millisecond
	if _, err := j.InsertEntries(ctx, []core.Entry{e}); err != nil {
		t.Fatalf("InsertEntries() error = %v", err)
	}
	if err := j.MarkUploadedWithDuration(ctx, []core.UploadMark{{FileID: 1, UploadUS: 5, UploadSeconds: 2, VerifySeconds: 1}}); err != nil {
		t.Fatalf("MarkUploadedWithDuration() error = %v", err)
	}

	db, err := OpenConnection(ProfilePath(path))
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer db.Close()

	var state string
	var md5S, upS, verS float64
	err = db.QueryRow("SELECT state, md5_duration, upload_duration, verify_duration FROM performance WHERE file_id = 1").
		Scan(&state, &md5S, &upS, &verS)
	if err != nil {
		t.Fatalf("reading profile row: %v", err)
	}
	if state != "ADDED" || md5S != 0.25 || upS != 2 || verS != 1 {
		t.Errorf("profile row = %s %v %v %v", state, md5S, upS, verS)
	}
}

func TestSiblingPaths(t *testing.T) {
	tests := []struct {
		in, profile, backup string
	}{
		{"/tmp/journal.db", "/tmp/journal_profile.db", "/tmp/journal_V1.db"},
		{"/tmp/journal", "/tmp/journal_profile.db", "/tmp/journal_V1.db"},
		{"/tmp/site.sqlite", "/tmp/site_profile.sqlite", "/tmp/site_V1.sqlite"},
	}
	for _, tt := range tests {
		if got := ProfilePath(tt.in); got != tt.profile {
			t.Errorf("ProfilePath(%q) = %q, want %q", tt.in, got, tt.profile)
		}
		if got := V1BackupPath(tt.in); got != tt.backup {
			t.Errorf("V1BackupPath(%q) = %q, want %q", tt.in, got, tt.backup)
		}
	}
}
