package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"sitesync/internal/core"
	"sitesync/internal/journal"
)

// NewTestJournal creates a v2 journal in a temp directory.
// The journal is automatically closed when the test completes.
func NewTestJournal(t *testing.T) core.Journal {
	t.Helper()
	return NewTestJournalWithSchema(t, core.SchemaV2)
}

// NewTestJournalWithSchema creates a journal of the given schema in a temp
// directory.
func NewTestJournalWithSchema(t *testing.T, schema core.SchemaVersion) core.Journal {
	t.Helper()

	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(context.Background(), path, journal.Options{NewSchema: schema})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}

	t.Cleanup(func() {
		j.Close()
	})

	return j
}
