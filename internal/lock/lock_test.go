package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitesync/internal/core"
	"sitesync/internal/storage"
)

type fixture struct {
	cloud   *storage.MemoryBackend
	manager *Manager
	local   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	cloud := storage.NewMemoryBackend("central")
	local := filepath.Join(t.TempDir(), "work", "journal.db")
	localPath, err := storage.NewLocalPath(local)
	if err != nil {
		t.Fatalf("NewLocalPath() error = %v", err)
	}
	m, err := New(storage.NewPath(cloud, "journals/journal.db"), localPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fixture{cloud: cloud, manager: m, local: local}
}

func (f fixture) has(key string) bool {
	_, ok := f.cloud.ReadObject(key)
	return ok
}

func TestNew_RejectsRemoteWorkingCopy(t *testing.T) {
	cloud := storage.NewMemoryBackend("central")
	_, err := New(storage.NewPath(cloud, "journal.db"), storage.NewPath(cloud, "copy.db"), nil)
	if !errors.Is(err, core.ErrConfig) {
		t.Errorf("New() error = %v, want ErrConfig", err)
	}
}

func TestManager_Checkout(t *testing.T) {
	ctx := context.Background()

	t.Run("existing journal moves behind the lock", func(t *testing.T) {
		f := newFixture(t)
		f.cloud.WriteObject("journals/journal.db", []byte("journal-bytes"), time.Now())

		if err := f.manager.Checkout(ctx); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}

		if f.has("journals/journal.db") {
			t.Error("journal still present after checkout")
		}
		lock, ok := f.cloud.ReadObject("journals/journal.db.locked")
		if !ok || string(lock) != "journal-bytes" {
			t.Errorf("lock = %q, %v; want copy of journal", lock, ok)
		}
		got, err := os.ReadFile(f.local)
		if err != nil {
			t.Fatalf("reading local copy: %v", err)
		}
		if string(got) != "journal-bytes" {
			t.Errorf("local copy = %q, want journal-bytes", got)
		}
	})

	t.Run("no journal creates lock and empty working copy", func(t *testing.T) {
		f := newFixture(t)

		if err := f.manager.Checkout(ctx); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		if !f.has("journals/journal.db.locked") {
			t.Error("lock not created")
		}
		info, err := os.Stat(f.local)
		if err != nil {
			t.Fatalf("stat local copy: %v", err)
		}
		if info.Size() != 0 {
			t.Errorf("local copy size = %d, want 0", info.Size())
		}
	})

	t.Run("existing lock fails and leaves the local file alone", func(t *testing.T) {
		f := newFixture(t)
		f.cloud.WriteObject("journals/journal.db.locked", []byte("other"), time.Now())
		if err := os.MkdirAll(filepath.Dir(f.local), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(f.local, []byte("mine"), 0o600); err != nil {
			t.Fatal(err)
		}

		err := f.manager.Checkout(ctx)
		if !errors.Is(err, core.ErrLockHeld) {
			t.Fatalf("Checkout() error = %v, want ErrLockHeld", err)
		}
		got, _ := os.ReadFile(f.local)
		if string(got) != "mine" {
			t.Errorf("local file = %q, want untouched", got)
		}
	})
}

func TestManager_Checkin(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads and releases", func(t *testing.T) {
		f := newFixture(t)
		f.cloud.WriteObject("journals/journal.db", []byte("v1"), time.Now())
		if err := f.manager.Checkout(ctx); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		if err := os.WriteFile(f.local, []byte("v2"), 0o600); err != nil {
			t.Fatal(err)
		}

		if err := f.manager.Checkin(ctx); err != nil {
			t.Fatalf("Checkin() error = %v", err)
		}
		got, ok := f.cloud.ReadObject("journals/journal.db")
		if !ok || string(got) != "v2" {
			t.Errorf("journal = %q, %v; want v2", got, ok)
		}
		if f.has("journals/journal.db.locked") {
			t.Error("lock still present after checkin")
		}

		// The lock is free again.
		if err := f.manager.Checkout(ctx); err != nil {
			t.Errorf("second Checkout() error = %v", err)
		}
	})

	t.Run("without lock fails", func(t *testing.T) {
		f := newFixture(t)
		if err := f.manager.Checkin(ctx); err == nil {
			t.Error("Checkin() error = nil, want error")
		}
	})
}

func TestManager_Unlock(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		journal     bool
		lock        bool
		want        UnlockAction
		wantJournal string
	}{
		{"neither", false, false, UnlockNoop, ""},
		{"journal only", true, false, UnlockNoop, "journal"},
		{"both keeps journal", true, true, UnlockRemoved, "journal"},
		{"lock only restores", false, true, UnlockRestored, "lock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.journal {
				f.cloud.WriteObject("journals/journal.db", []byte("journal"), time.Now())
			}
			if tt.lock {
				f.cloud.WriteObject("journals/journal.db.locked", []byte("lock"), time.Now())
			}

			got, err := f.manager.Unlock(ctx)
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Unlock() = %v, want %v", got, tt.want)
			}
			if f.has("journals/journal.db.locked") {
				t.Error("lock still present")
			}
			data, _ := f.cloud.ReadObject("journals/journal.db")
			if string(data) != tt.wantJournal {
				t.Errorf("journal = %q, want %q", data, tt.wantJournal)
			}
		})
	}
}

func TestManager_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("copies without locking", func(t *testing.T) {
		f := newFixture(t)
		f.cloud.WriteObject("journals/journal.db", []byte("snapshot"), time.Now())
		if err := f.manager.Fetch(ctx); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if f.has("journals/journal.db.locked") {
			t.Error("Fetch() took the lock")
		}
		got, _ := os.ReadFile(f.local)
		if string(got) != "snapshot" {
			t.Errorf("local copy = %q", got)
		}
	})

	t.Run("reads the lock copy while checked out", func(t *testing.T) {
		f := newFixture(t)
		f.cloud.WriteObject("journals/journal.db.locked", []byte("at-checkout"), time.Now())
		if err := f.manager.Fetch(ctx); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		got, _ := os.ReadFile(f.local)
		if string(got) != "at-checkout" {
			t.Errorf("local copy = %q", got)
		}
	})

	t.Run("missing journal", func(t *testing.T) {
		f := newFixture(t)
		if err := f.manager.Fetch(ctx); !errors.Is(err, core.ErrJournalMissing) {
			t.Errorf("Fetch() error = %v, want ErrJournalMissing", err)
		}
	})
}

func TestManager_LocalJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	home := filepath.Join(dir, "home", "journal.db")
	work := filepath.Join(dir, "work", "journal.db")
	if err := os.MkdirAll(filepath.Dir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(home, []byte("home"), 0o600); err != nil {
		t.Fatal(err)
	}

	homePath, _ := storage.NewLocalPath(home)
	workPath, _ := storage.NewLocalPath(work)
	m, err := New(homePath, workPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := m.Checkout(ctx); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if _, err := os.Stat(home + LockSuffix); !os.IsNotExist(err) {
		t.Errorf("local journal was locked: %v", err)
	}
	if err := os.WriteFile(work, []byte("changed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkin(ctx); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}
	got, _ := os.ReadFile(home)
	if string(got) != "changed" {
		t.Errorf("home journal = %q, want changed", got)
	}

	inPlace, err := New(homePath, homePath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inPlace.Checkout(ctx); err != nil {
		t.Errorf("in-place Checkout() error = %v", err)
	}
	if err := inPlace.Fetch(ctx); err != nil {
		t.Errorf("in-place Fetch() error = %v", err)
	}
}
