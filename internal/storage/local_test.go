package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestLocalBackend_StatHash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	root, err := NewLocalPath(dir)
	if err != nil {
		t.Fatalf("NewLocalPath() error = %v", err)
	}
	p := root.Join("a.txt")

	info, err := p.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.Exists || info.Size != 5 {
		t.Errorf("Stat() = %+v, want existing 5-byte file", info)
	}

	sum, err := p.Hash(ctx, "")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if sum != helloMD5 {
		t.Errorf("Hash() = %q, want %q", sum, helloMD5)
	}

	missing, err := root.Join("nope.txt").Stat(ctx)
	if err != nil {
		t.Fatalf("Stat(missing) error = %v", err)
	}
	if missing.Exists {
		t.Error("Stat(missing).Exists = true, want false")
	}

	if _, err := root.Join("nope.txt").Hash(ctx, ""); !IsNotExist(err) {
		t.Errorf("Hash(missing) error = %v, want not-exist", err)
	}
}

func TestLocalBackend_WalkRelativeKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, rel := range []string{"p1/Waveforms/a.bin", "p1/Waveforms/sub/b.bin", "OMOP/0.csv"} {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(rel), 0644); err != nil {
			t.Fatal(err)
		}
	}

	root, _ := NewLocalPath(dir)
	var keys []string
	err := root.Walk(ctx, 2, func(page []FileInfo) error {
		if len(page) > 2 {
			t.Errorf("page size = %d, want <= 2", len(page))
		}
		for _, fi := range page {
			keys = append(keys, fi.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	sort.Strings(keys)
	want := []string{"OMOP/0.csv", "p1/Waveforms/a.bin", "p1/Waveforms/sub/b.bin"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Walk() keys = %v, want %v", keys, want)
	}

	if err := root.Join("missing").Walk(ctx, 10, func([]FileInfo) error {
		t.Error("callback invoked for missing prefix")
		return nil
	}); err != nil {
		t.Errorf("Walk(missing) error = %v", err)
	}
}

func TestLocalBackend_PutRenameDelete(t *testing.T) {
	ctx := context.Background()
	root, _ := NewLocalPath(t.TempDir())
	p := root.Join("deep", "dir", "j.db")

	if err := p.Put(ctx, strings.NewReader("abc"), 3, PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := p.Put(ctx, strings.NewReader("abc"), 4, PutOptions{}); err == nil {
		t.Error("Put() with wrong size succeeded, want error")
	}

	dst := root.Join("j.db.locked")
	if err := Rename(ctx, p, dst); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok, _ := p.Exists(ctx); ok {
		t.Error("source still exists after Rename")
	}
	if ok, _ := dst.Exists(ctx); !ok {
		t.Error("destination missing after Rename")
	}

	if err := dst.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := dst.Delete(ctx); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
}

func TestLocalBackend_Touch(t *testing.T) {
	ctx := context.Background()
	root, _ := NewLocalPath(t.TempDir())
	p := root.Join("a", "b.locked")
	if err := p.Touch(ctx); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	info, err := p.Stat(ctx)
	if err != nil || !info.Exists || info.Size != 0 {
		t.Errorf("Stat() after Touch = %+v, %v", info, err)
	}
}
