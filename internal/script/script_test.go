package script

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"sitesync/internal/core"
)

func render(t *testing.T, files []File, opts Options) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, files, opts); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return buf.String()
}

func omopFiles(n int) []File {
	files := make([]File, n)
	for i := range files {
		rel := "OMOP/" + string(rune('0'+i)) + ".csv"
		files[i] = File{Rel: rel, Source: "/data/" + rel, Dest: "az://acct/cont/v1/" + rel}
	}
	return files
}

func TestWrite_AzCLIPosix(t *testing.T) {
	got := render(t, omopFiles(3), Options{
		Tool:         AzCLI,
		Shell:        POSIX,
		Journal:      "az://acct/cont/journal.db",
		LocalJournal: "/tmp/journal.db",
		ConfigPath:   "/etc/sitesync.toml",
		BlockSize:    2,
	})

	if !strings.HasPrefix(got, "#!/bin/sh\nset -eu\n") {
		t.Errorf("script does not start with the sh preamble:\n%s", got)
	}
	for _, want := range []string{
		`: "${AZURE_STORAGE_SAS_TOKEN:?set AZURE_STORAGE_SAS_TOKEN before running this script}"`,
		`LOCAL_JOURNAL=/tmp/journal.db`,
		`if [ "$(az storage blob exists --account-name acct --container-name cont --name journal.db.locked --query exists -o tsv --sas-token "$AZURE_STORAGE_SAS_TOKEN")" = "true" ]; then`,
		`az storage blob download --account-name acct --container-name cont --name journal.db --file "$LOCAL_JOURNAL" --output none --sas-token "$AZURE_STORAGE_SAS_TOKEN"`,
		`az storage blob upload --account-name acct --container-name cont --name journal.db.locked --file "$LOCAL_JOURNAL" --overwrite --output none --sas-token "$AZURE_STORAGE_SAS_TOKEN"`,
		`az storage blob upload --account-name acct --container-name cont --name v1/OMOP/2.csv --file /data/OMOP/2.csv --overwrite --output none --sas-token "$AZURE_STORAGE_SAS_TOKEN" && echo OMOP/2.csv >> "$FILE_LIST"`,
		`# block 2: 1 files`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("script is missing\n%s\n---\n%s", want, got)
		}
	}

	mark := `sitesync -c /etc/sitesync.toml file mark_as_uploaded_local --local-journal "$LOCAL_JOURNAL" --file-list "$FILE_LIST"`
	if n := strings.Count(got, mark); n != 2 {
		t.Errorf("mark_as_uploaded_local calls = %d, want 2", n)
	}

	// Check-in comes last: push the journal, then drop the lock.
	lines := strings.Split(strings.TrimSpace(got), "\n")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "az storage blob delete --account-name acct --container-name cont --name journal.db.locked") {
		t.Errorf("last line = %q, want lock removal", last)
	}
}

func TestWrite_AzCopyCmd(t *testing.T) {
	files := []File{{Rel: "P1/Waveforms/a b.bin", Source: `C:\data\P1\Waveforms\a b.bin`, Dest: "az://acct/cont/v1/P1/Waveforms/a b.bin"}}
	got := render(t, files, Options{
		Tool:    AzCopy,
		Shell:   Cmd,
		Journal: `C:\sitesync\journal.db`,
	})

	if !strings.HasPrefix(got, "@echo off\r\nsetlocal\r\n") {
		t.Errorf("script does not start with the cmd preamble:\n%s", got)
	}
	for _, want := range []string{
		`if "%AZURE_STORAGE_SAS_TOKEN%"=="" (`,
		`set "LOCAL_JOURNAL=C:\sitesync\journal.db"`,
		`call azcopy copy "C:\data\P1\Waveforms\a b.bin" "https://acct.blob.core.windows.net/cont/v1/P1/Waveforms/a b.bin?%AZURE_STORAGE_SAS_TOKEN%" --overwrite true --put-md5 --log-level ERROR && (echo P1/Waveforms/a b.bin)>> "%FILE_LIST%"`,
		`call sitesync file mark_as_uploaded_local --local-journal "%LOCAL_JOURNAL%" --file-list "%FILE_LIST%" || exit /b 1`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("script is missing\n%s\n---\n%s", want, got)
		}
	}
	if strings.Contains(got, ".locked") {
		t.Error("a local journal needs no lock handshake")
	}
}

func TestWrite_AzCopyLogin(t *testing.T) {
	got := render(t, omopFiles(1), Options{
		Tool:         AzCopy,
		Shell:        POSIX,
		Journal:      "az://acct/cont/journal.db",
		LocalJournal: "/tmp/j.db",
		Login:        true,
	})
	if strings.Contains(got, SASVar) {
		t.Errorf("login script references the SAS token:\n%s", got)
	}
	want := `if azcopy copy https://acct.blob.core.windows.net/cont/journal.db.locked "$LOCAL_JOURNAL".locked --log-level ERROR >/dev/null 2>&1; then`
	if !strings.Contains(got, want) {
		t.Errorf("script is missing\n%s\n---\n%s", want, got)
	}
}

func TestWrite_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files []File
		opts  Options
	}{
		{"unknown tool", nil, Options{Tool: "rsync", Journal: "/tmp/j.db"}},
		{"s3 journal", nil, Options{Tool: AzCLI, Journal: "s3://b/j.db"}},
		{"no local journal", nil, Options{Tool: AzCLI, Journal: "az://a/c/j.db"}},
		{"s3 destination", []File{{Rel: "x", Source: "/x", Dest: "s3://b/x"}}, Options{Tool: AzCLI, Journal: "/tmp/j.db"}},
		{"s3 source", []File{{Rel: "x", Source: "s3://b/x", Dest: "az://a/c/x"}}, Options{Tool: AzCopy, Journal: "/tmp/j.db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Write(&buf, tt.files, tt.opts)
			if !errors.Is(err, core.ErrConfig) {
				t.Errorf("Write() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestShQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"/data/OMOP/0.csv", "/data/OMOP/0.csv"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := shQuote(tt.in); got != tt.want {
			t.Errorf("shQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseToolAndShell(t *testing.T) {
	if tool, err := ParseTool("AzCopy"); err != nil || tool != AzCopy {
		t.Errorf("ParseTool(AzCopy) = %q, %v", tool, err)
	}
	if _, err := ParseTool("list"); !errors.Is(err, core.ErrConfig) {
		t.Errorf("ParseTool(list) error = %v, want ErrConfig", err)
	}
	if ShellFor("windows") != Cmd || ShellFor("linux") != POSIX {
		t.Error("ShellFor() picked the wrong shell")
	}
}
