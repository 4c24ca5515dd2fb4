package testutil

import (
	"time"

	"sitesync/internal/storage"
)

// Site is an in-memory source or destination tree.
type Site struct {
	*storage.MemoryBackend
}

// NewSite creates an empty tree addressed as mem://<name>/.
func NewSite(name string) *Site {
	return &Site{MemoryBackend: storage.NewMemoryBackend(name)}
}

// AddFile stores content at rel with the given modification time.
func (s *Site) AddFile(rel string, content []byte, modTime time.Time) {
	s.WriteObject(rel, content, modTime)
}

// Has reports whether rel exists.
func (s *Site) Has(rel string) bool {
	_, ok := s.ReadObject(rel)
	return ok
}
