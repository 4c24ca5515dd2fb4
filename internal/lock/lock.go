package lock

import (
	"context"
	"fmt"

	"sitesync/internal/core"
	"sitesync/internal/storage"
)

// LockSuffix is appended to the journal key to form the lock sentinel.
const LockSuffix = ".locked"

// UnlockAction reports what Unlock did.
type UnlockAction int

const (
	// UnlockNoop means there was no lock to release.
	UnlockNoop UnlockAction = iota
	// UnlockRemoved means the journal existed and the stale lock was deleted.
	UnlockRemoved
	// UnlockRestored means only the lock existed and it was moved back to the journal.
	UnlockRestored
)

func (a UnlockAction) String() string {
	switch a {
	case UnlockRemoved:
		return "lock removed"
	case UnlockRestored:
		return "journal restored from lock"
	}
	return "not locked"
}

// Manager moves the journal of record between its home location and the
// local working copy. The <journal>.locked sentinel next to the journal is
// the lock: while it exists, every other checkout fails. The lock is
// advisory and relies on the store's namespace operations being consistent.
type Manager struct {
	journal storage.Path
	local   storage.Path
	logger  core.Logger
}

// New returns a manager for journal, checked out to local. local must be on
// the local filesystem.
func New(journal, local storage.Path, logger core.Logger) (*Manager, error) {
	if !local.IsLocal() {
		return nil, fmt.Errorf("%w: local journal %s is not a local path", core.ErrConfig, local)
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Manager{journal: journal, local: local, logger: logger}, nil
}

// Journal returns the journal of record.
func (m *Manager) Journal() storage.Path { return m.journal }

// LocalPath returns the OS path of the working copy.
func (m *Manager) LocalPath() string {
	p, _ := m.local.LocalPath()
	return p
}

// LockPath returns the lock sentinel.
func (m *Manager) LockPath() storage.Path { return m.journal.WithSuffix(LockSuffix) }

// inPlace reports whether the journal of record is the working copy itself.
func (m *Manager) inPlace() bool {
	return m.journal.SameBackend(m.local) && m.journal.Key() == m.local.Key()
}

// Checkout takes the lock and moves the journal to the working copy. A
// journal on the local filesystem is only copied into place. When no journal
// exists yet the lock and an empty working copy are created.
func (m *Manager) Checkout(ctx context.Context) error {
	if m.journal.IsLocal() {
		if m.inPlace() {
			return nil
		}
		copied, err := storage.CopyIfExists(ctx, m.journal, m.local)
		if err != nil {
			return fmt.Errorf("copying journal into place: %w", err)
		}
		m.logger.Debug("local journal copied into place", "journal", m.journal.String(), "copied", copied)
		return nil
	}

	lockPath := m.LockPath()
	locked, err := lockPath.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking lock: %w", err)
	}
	if locked {
		return fmt.Errorf("%w: %s exists", core.ErrLockHeld, lockPath)
	}

	exists, err := m.journal.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking journal: %w", err)
	}
	if !exists {
		if err := lockPath.Touch(ctx); err != nil {
			return fmt.Errorf("creating lock: %w", err)
		}
		if err := m.local.Touch(ctx); err != nil {
			return fmt.Errorf("creating empty local journal: %w", err)
		}
		m.logger.Info("journal checked out (new)", "journal", m.journal.String(), "local", m.local.String())
		return nil
	}

	if err := storage.Copy(ctx, m.journal, lockPath, storage.PutOptions{}); err != nil {
		return fmt.Errorf("creating lock: %w", err)
	}
	if err := storage.Copy(ctx, m.journal, m.local, storage.PutOptions{}); err != nil {
		return fmt.Errorf("downloading journal: %w", err)
	}
	if err := m.journal.Delete(ctx); err != nil {
		return fmt.Errorf("removing checked-out journal: %w", err)
	}
	m.logger.Info("journal checked out", "journal", m.journal.String(), "local", m.local.String())
	return nil
}

// Checkin uploads the working copy to the journal of record and releases
// the lock.
func (m *Manager) Checkin(ctx context.Context) error {
	if m.journal.IsLocal() {
		if m.inPlace() {
			return nil
		}
		if err := storage.Copy(ctx, m.local, m.journal, storage.PutOptions{}); err != nil {
			return fmt.Errorf("copying journal back: %w", err)
		}
		return nil
	}

	lockPath := m.LockPath()
	locked, err := lockPath.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("journal %s is not checked out", m.journal)
	}

	if err := storage.Copy(ctx, m.local, m.journal, storage.PutOptions{}); err != nil {
		return fmt.Errorf("uploading journal: %w", err)
	}
	if err := lockPath.Delete(ctx); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	m.logger.Info("journal checked in", "journal", m.journal.String())
	return nil
}

// Unlock force-releases the lock. If the journal exists the lock is
// dropped; if only the lock exists it is moved back to restore the journal
// from an interrupted session.
func (m *Manager) Unlock(ctx context.Context) (UnlockAction, error) {
	lockPath := m.LockPath()
	locked, err := lockPath.Exists(ctx)
	if err != nil {
		return UnlockNoop, fmt.Errorf("checking lock: %w", err)
	}
	if !locked {
		return UnlockNoop, nil
	}

	exists, err := m.journal.Exists(ctx)
	if err != nil {
		return UnlockNoop, fmt.Errorf("checking journal: %w", err)
	}
	if exists {
		if err := lockPath.Delete(ctx); err != nil {
			return UnlockNoop, fmt.Errorf("removing lock: %w", err)
		}
		m.logger.Warn("stale lock removed", "lock", lockPath.String())
		return UnlockRemoved, nil
	}

	if err := storage.Rename(ctx, lockPath, m.journal); err != nil {
		return UnlockNoop, fmt.Errorf("restoring journal from lock: %w", err)
	}
	m.logger.Warn("journal restored from lock", "journal", m.journal.String())
	return UnlockRestored, nil
}

// Fetch copies the journal to the working copy without taking the lock, for
// read-only commands. A journal that is checked out elsewhere is read from
// its lock copy, which holds the state at checkout time.
func (m *Manager) Fetch(ctx context.Context) error {
	if m.inPlace() {
		exists, err := m.local.Exists(ctx)
		if err != nil {
			return fmt.Errorf("checking journal: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", core.ErrJournalMissing, m.journal)
		}
		return nil
	}

	copied, err := storage.CopyIfExists(ctx, m.journal, m.local)
	if err != nil {
		return fmt.Errorf("downloading journal: %w", err)
	}
	if copied {
		return nil
	}

	lockPath := m.LockPath()
	copied, err = storage.CopyIfExists(ctx, lockPath, m.local)
	if err != nil {
		return fmt.Errorf("downloading locked journal: %w", err)
	}
	if !copied {
		return fmt.Errorf("%w: %s", core.ErrJournalMissing, m.journal)
	}
	m.logger.Warn("journal is checked out; reading the copy taken at checkout", "lock", lockPath.String())
	return nil
}
