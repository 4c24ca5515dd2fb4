package core

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so scans and uploads are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// NewRunID returns a random identifier for one CLI invocation.
func NewRunID() string { return uuid.New().String() }

// VersionLabel formats t as the default submission label (YYYYMMDDHHMMSS, UTC).
func VersionLabel(t time.Time) string {
	return t.UTC().Format("20060102150405")
}
