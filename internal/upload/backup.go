package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sitesync/internal/storage"
)

// backupJournal copies a snapshot of the journal into every listed version
// directory of the central store.
func (e *Engine) backupJournal(ctx context.Context, versions []string) error {
	if e.cfg.JournalName == "" || len(versions) == 0 {
		return nil
	}

	dir, err := os.MkdirTemp("", "sitesync-backup-")
	if err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, e.cfg.JournalName)
	if err := e.journal.BackupTo(ctx, snapshot); err != nil {
		return err
	}
	src, err := storage.NewLocalPath(snapshot)
	if err != nil {
		return err
	}

	for _, v := range versions {
		dst := e.cfg.Dest.Join(v, e.cfg.JournalName)
		if err := storage.Copy(ctx, src, dst, storage.PutOptions{Threads: e.cfg.Threads}); err != nil {
			return fmt.Errorf("backing up journal to %s: %w", dst, err)
		}
		e.logger.Info("journal backed up", "dest", dst.String())
	}
	return nil
}
