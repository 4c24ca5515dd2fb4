package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// ErrNotExist is returned when an object or file does not exist.
var ErrNotExist = fmt.Errorf("storage: %w", fs.ErrNotExist)

// BlockSize is the single-put threshold and block size used for block uploads.
const BlockSize = 4 << 20

// FileInfo describes one object. Key is relative to the walked prefix when
// produced by Walk, and the full backend key when produced by Stat.
type FileInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
	CTime   time.Time
	Exists  bool
}

// ModTimeUS returns the modification time in microseconds since the epoch.
func (fi FileInfo) ModTimeUS() int64 { return fi.ModTime.UnixMicro() }

// PutOptions tunes a single upload.
type PutOptions struct {
	// Threads is the number of transport threads dedicated to this object.
	Threads int
	// MD5 is the known hex hash of the content, stored as Content-MD5 where
	// the backend supports it.
	MD5 string
}

// Backend is one storage namespace: the local filesystem, an S3 bucket,
// an Azure container, or an in-memory store.
type Backend interface {
	// URL renders key in the form accepted by Resolver.Resolve.
	URL(key string) string

	// Stat reports Exists=false with a nil error when key is absent.
	Stat(ctx context.Context, key string) (FileInfo, error)

	// Hash returns the lowercase hex MD5 of the object. known is the hash the
	// caller expects; backends that repair stored metadata use it.
	Hash(ctx context.Context, key string, known string) (string, error)

	// Walk lists every object below prefix in pages of at most pageSize.
	// Keys in the pages are relative to prefix. Pages may be empty.
	Walk(ctx context.Context, prefix string, pageSize int, fn func([]FileInfo) error) error

	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// MkdirParents creates the parent directories of key where the backend
	// has directories.
	MkdirParents(ctx context.Context, key string) error
}

// Copier is implemented by backends that copy objects server-side.
type Copier interface {
	CopyWithin(ctx context.Context, srcKey, dstKey string) error
}

// FileUploader is implemented by backends that upload a local file directly,
// with parallel blocks.
type FileUploader interface {
	PutFile(ctx context.Context, key string, localPath string, opts PutOptions) error
}

// Renamer is implemented by backends with a native rename.
type Renamer interface {
	Rename(ctx context.Context, srcKey, dstKey string) error
}

// Path is a handle on one key inside one backend.
type Path struct {
	backend Backend
	key     string
}

// NewPath returns a handle on key within b.
func NewPath(b Backend, key string) Path {
	return Path{backend: b, key: key}
}

func (p Path) Backend() Backend { return p.backend }
func (p Path) Key() string      { return p.key }
func (p Path) IsZero() bool     { return p.backend == nil }
func (p Path) String() string {
	if p.backend == nil {
		return ""
	}
	return p.backend.URL(p.key)
}

// Join appends '/'-separated elements to the key.
func (p Path) Join(elem ...string) Path {
	parts := make([]string, 0, len(elem)+1)
	parts = append(parts, p.key)
	for _, e := range elem {
		parts = append(parts, strings.ReplaceAll(e, "\\", "/"))
	}
	key := path.Join(parts...)
	if p.key == "" {
		key = strings.TrimPrefix(key, "/")
	}
	return Path{backend: p.backend, key: key}
}

// Base returns the last element of the key.
func (p Path) Base() string { return path.Base(p.key) }

// Dir returns the parent of the key.
func (p Path) Dir() Path {
	d := path.Dir(p.key)
	if d == "." {
		d = ""
	}
	return Path{backend: p.backend, key: d}
}

// WithSuffix returns a sibling handle whose key has suffix appended.
func (p Path) WithSuffix(suffix string) Path {
	return Path{backend: p.backend, key: p.key + suffix}
}

// SameBackend reports whether p and other live in the same namespace.
func (p Path) SameBackend(other Path) bool {
	return p.backend != nil && p.backend == other.backend
}

// IsLocal reports whether p is on the local filesystem.
func (p Path) IsLocal() bool {
	_, ok := p.backend.(*LocalBackend)
	return ok
}

// LocalPath returns the OS path of a local handle.
func (p Path) LocalPath() (string, bool) {
	lb, ok := p.backend.(*LocalBackend)
	if !ok {
		return "", false
	}
	return lb.osPath(p.key), true
}

func (p Path) Stat(ctx context.Context) (FileInfo, error) {
	return p.backend.Stat(ctx, p.key)
}

func (p Path) Exists(ctx context.Context) (bool, error) {
	fi, err := p.backend.Stat(ctx, p.key)
	if err != nil {
		return false, err
	}
	return fi.Exists, nil
}

func (p Path) Hash(ctx context.Context, known string) (string, error) {
	return p.backend.Hash(ctx, p.key, known)
}

func (p Path) Open(ctx context.Context) (io.ReadCloser, error) {
	return p.backend.Open(ctx, p.key)
}

func (p Path) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) error {
	return p.backend.Put(ctx, p.key, r, size, opts)
}

func (p Path) Delete(ctx context.Context) error {
	return p.backend.Delete(ctx, p.key)
}

func (p Path) MkdirParents(ctx context.Context) error {
	return p.backend.MkdirParents(ctx, p.key)
}

// Touch creates an empty object at p.
func (p Path) Touch(ctx context.Context) error {
	if err := p.backend.MkdirParents(ctx, p.key); err != nil {
		return err
	}
	return p.backend.Put(ctx, p.key, strings.NewReader(""), 0, PutOptions{Threads: 1})
}

// Walk lists every object below p in pages.
func (p Path) Walk(ctx context.Context, pageSize int, fn func([]FileInfo) error) error {
	return p.backend.Walk(ctx, p.key, pageSize, fn)
}

// IsNotExist reports whether err means the object does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
