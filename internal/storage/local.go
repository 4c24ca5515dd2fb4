package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// hashChunk is the read size used when hashing local files.
const hashChunk = 1 << 20

// LocalBackend is the local filesystem. Keys are absolute '/'-separated paths;
// Windows drive paths keep their drive letter ("C:/data/x").
type LocalBackend struct{}

var localFS = &LocalBackend{}

var (
	_ Backend      = (*LocalBackend)(nil)
	_ Copier       = (*LocalBackend)(nil)
	_ FileUploader = (*LocalBackend)(nil)
	_ Renamer      = (*LocalBackend)(nil)
)

// Local returns the shared local backend.
func Local() *LocalBackend { return localFS }

// NewLocalPath resolves p against the working directory and returns a handle.
func NewLocalPath(p string) (Path, error) {
	if isWindowsDrivePath(p) {
		return Path{backend: localFS, key: toSlashKey(p)}, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return Path{}, fmt.Errorf("resolving %s: %w", p, err)
	}
	return Path{backend: localFS, key: toSlashKey(abs)}, nil
}

func (b *LocalBackend) URL(key string) string { return b.osPath(key) }

func (b *LocalBackend) osPath(key string) string {
	return filepath.FromSlash(key)
}

func (b *LocalBackend) Stat(_ context.Context, key string) (FileInfo, error) {
	info, err := os.Stat(b.osPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{Key: key}, nil
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return FileInfo{Key: key}, nil
	}
	return FileInfo{
		Key:     key,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		CTime:   changeTime(info),
		Exists:  true,
	}, nil
}

// Hash computes the MD5 of the file in 1 MiB chunks. known is ignored.
func (b *LocalBackend) Hash(_ context.Context, key string, _ string) (string, error) {
	f, err := os.Open(b.osPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("hashing %s: %w", key, ErrNotExist)
		}
		return "", fmt.Errorf("hashing %s: %w", key, err)
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, hashChunk)); err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Walk lists regular files below prefix. A missing prefix yields no pages.
func (b *LocalBackend) Walk(ctx context.Context, prefix string, pageSize int, fn func([]FileInfo) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	root := b.osPath(prefix)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	page := make([]FileInfo, 0, pageSize)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		page = append(page, FileInfo{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			CTime:   changeTime(info),
			Exists:  true,
		})
		if len(page) >= pageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]FileInfo, 0, pageSize)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", prefix, err)
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

func (b *LocalBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.osPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("opening %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return f, nil
}

// Put writes r to key atomically (temp file + rename).
func (b *LocalBackend) Put(_ context.Context, key string, r io.Reader, size int64, _ PutOptions) error {
	return writeFileAtomic(b.osPath(key), r, size)
}

func (b *LocalBackend) PutFile(ctx context.Context, key string, localPath string, opts PutOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("opening %s: %w", localPath, ErrNotExist)
		}
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	return b.Put(ctx, key, f, info.Size(), opts)
}

func (b *LocalBackend) CopyWithin(ctx context.Context, srcKey, dstKey string) error {
	return b.PutFile(ctx, dstKey, b.osPath(srcKey), PutOptions{})
}

func (b *LocalBackend) Rename(_ context.Context, srcKey, dstKey string) error {
	dst := b.osPath(dstKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", dstKey, err)
	}
	if err := os.Rename(b.osPath(srcKey), dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("renaming %s: %w", srcKey, ErrNotExist)
		}
		return fmt.Errorf("renaming %s: %w", srcKey, err)
	}
	return nil
}

func (b *LocalBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.osPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (b *LocalBackend) MkdirParents(_ context.Context, key string) error {
	if err := os.MkdirAll(filepath.Dir(b.osPath(key)), 0755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", key, err)
	}
	return nil
}

// writeFileAtomic writes r to dest through a temp file in the same directory.
func writeFileAtomic(dest string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if expectedSize >= 0 && written != expectedSize {
		return fmt.Errorf("size mismatch writing %s: expected %d bytes, got %d", dest, expectedSize, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func isWindowsDrivePath(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// toSlashKey normalizes both separators to '/' so Windows paths survive on
// any host.
func toSlashKey(p string) string {
	key := strings.ReplaceAll(p, "\\", "/")
	if isWindowsDrivePath(p) {
		return key[:3] + strings.TrimPrefix(path.Clean(key[2:]), "/")
	}
	return path.Clean(key)
}
