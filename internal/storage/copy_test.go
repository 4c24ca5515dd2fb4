package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "src.csv"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	local, _ := NewLocalPath(dir)
	site := NewMemoryBackend("site")
	site.WriteObject("a/src.csv", []byte("hello"), time.Now())
	central := NewMemoryBackend("central")

	tests := []struct {
		name string
		src  Path
		dst  Path
	}{
		{"local to cloud", local.Join("src.csv"), central.Root().Join("v1/a.csv")},
		{"cloud to cloud same backend", site.Root().Join("a/src.csv"), site.Root().Join("b/copy.csv")},
		{"cloud to cloud across backends", site.Root().Join("a/src.csv"), central.Root().Join("v1/b.csv")},
		{"cloud to local", site.Root().Join("a/src.csv"), local.Join("out", "dl.csv")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Copy(ctx, tt.src, tt.dst, PutOptions{Threads: 2}); err != nil {
				t.Fatalf("Copy() error = %v", err)
			}
			sum, err := tt.dst.Hash(ctx, "")
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}
			if sum != helloMD5 {
				t.Errorf("copied content hash = %q, want %q", sum, helloMD5)
			}
		})
	}
}

func TestCopy_MissingSource(t *testing.T) {
	ctx := context.Background()
	site := NewMemoryBackend("site")
	central := NewMemoryBackend("central")

	err := Copy(ctx, site.Root().Join("missing"), central.Root().Join("x"), PutOptions{})
	if !IsNotExist(err) {
		t.Errorf("Copy() error = %v, want not-exist", err)
	}

	ok, err := CopyIfExists(ctx, site.Root().Join("missing"), central.Root().Join("x"))
	if ok || err != nil {
		t.Errorf("CopyIfExists() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCopy_DestinationFailure(t *testing.T) {
	ctx := context.Background()
	site := NewMemoryBackend("site")
	site.WriteObject("a.csv", []byte("x"), time.Now())
	central := NewMemoryBackend("central")
	boom := errors.New("boom")
	central.FailPut = func(string) error { return boom }

	if err := Copy(ctx, site.Root().Join("a.csv"), central.Root().Join("a.csv"), PutOptions{}); !errors.Is(err, boom) {
		t.Errorf("Copy() error = %v, want %v", err, boom)
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("provider said no")
	if err := classifyStatus("op", 404, base); !IsNotExist(err) {
		t.Errorf("404 -> %v, want not-exist", err)
	}
	if err := classifyStatus("op", 503, base); !IsTransient(err) {
		t.Errorf("503 -> %v, want transient", err)
	}
	if err := classifyStatus("op", 403, base); IsTransient(err) || IsNotExist(err) {
		t.Errorf("403 -> %v, want auth", err)
	}
	if err := classifyStatus("op", 400, base); !errors.Is(err, base) {
		t.Errorf("400 -> %v, want wrapped base error", err)
	}
}
