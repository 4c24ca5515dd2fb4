package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-memory object store for tests. It is safe for
// concurrent use.
type MemoryBackend struct {
	name    string
	mu      sync.RWMutex
	objects map[string]memObject

	// DropPut, when set, makes Put report success without storing keys for
	// which it returns true.
	DropPut func(key string) bool

	// FailPut, when set, is consulted before every Put; a non-nil result is
	// returned as the Put error.
	FailPut func(key string) error

	now func() time.Time
}

type memObject struct {
	data    []byte
	modTime time.Time
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Copier  = (*MemoryBackend)(nil)
	_ Renamer = (*MemoryBackend)(nil)
)

// NewMemoryBackend creates an empty store addressed as mem://<name>/.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:    name,
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// Root returns a handle on the root of the store.
func (m *MemoryBackend) Root() Path { return Path{backend: m} }

func (m *MemoryBackend) URL(key string) string { return "mem://" + m.name + "/" + key }

// WriteObject stores data under key with the given modification time.
func (m *MemoryBackend) WriteObject(key string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), modTime: modTime}
}

// ReadObject returns the stored bytes of key.
func (m *MemoryBackend) ReadObject(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns every stored key in sorted order.
func (m *MemoryBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryBackend) Stat(_ context.Context, key string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return FileInfo{Key: key}, nil
	}
	return FileInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime, CTime: obj.modTime, Exists: true}, nil
}

func (m *MemoryBackend) Hash(_ context.Context, key string, _ string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", fmt.Errorf("hashing %s: %w", key, ErrNotExist)
	}
	sum := md5.Sum(obj.data)
	return hex.EncodeToString(sum[:]), nil
}

func (m *MemoryBackend) Walk(ctx context.Context, prefix string, pageSize int, fn func([]FileInfo) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	dir := strings.TrimSuffix(prefix, "/")
	if dir != "" {
		dir += "/"
	}

	m.mu.RLock()
	var infos []FileInfo
	for k, obj := range m.objects {
		if !strings.HasPrefix(k, dir) {
			continue
		}
		infos = append(infos, FileInfo{
			Key:     strings.TrimPrefix(k, dir),
			Size:    int64(len(obj.data)),
			ModTime: obj.modTime,
			CTime:   obj.modTime,
			Exists:  true,
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for start := 0; start < len(infos); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+pageSize, len(infos))
		if err := fn(infos[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.ReadObject(key)
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", key, ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, r io.Reader, size int64, _ PutOptions) error {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading content for %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch writing %s: expected %d bytes, got %d", key, size, len(data))
	}
	if m.DropPut != nil && m.DropPut(key) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, modTime: m.now()}
	return nil
}

func (m *MemoryBackend) CopyWithin(ctx context.Context, srcKey, dstKey string) error {
	data, ok := m.ReadObject(srcKey)
	if !ok {
		return fmt.Errorf("copying %s: %w", srcKey, ErrNotExist)
	}
	return m.Put(ctx, dstKey, bytes.NewReader(data), int64(len(data)), PutOptions{})
}

func (m *MemoryBackend) Rename(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("renaming %s: %w", srcKey, ErrNotExist)
	}
	m.objects[dstKey] = obj
	delete(m.objects, srcKey)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) MkdirParents(context.Context, string) error { return nil }
