package perf

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sitesync/internal/core"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingLogger struct {
	core.NopLogger
	mu    sync.Mutex
	infos []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func TestCounter_SessionsAndTotals(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCounter(nil, clock, time.Hour)

	c.StartSession("tier 1", 4, 400)
	c.Add("MATCHED", 100)
	c.Add("MATCHED", 100)
	clock.advance(10 * time.Second)

	s := c.Snapshot()
	if s.Files != 2 || s.Bytes != 200 {
		t.Errorf("session = %d files %d bytes, want 2, 200", s.Files, s.Bytes)
	}
	if s.ETA != 10*time.Second {
		t.Errorf("ETA = %v, want 10s", s.ETA)
	}
	if s.Rate() != 20 {
		t.Errorf("Rate() = %v, want 20", s.Rate())
	}

	c.StartSession("tier 2", 0, 0)
	c.Add("MISSING_DEST", 0)

	s = c.Snapshot()
	if s.Files != 1 || s.CumFiles != 3 || s.CumBytes != 200 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.States["MATCHED"] != 2 || s.States["MISSING_DEST"] != 1 {
		t.Errorf("States = %v", s.States)
	}
	if s.ETA != 0 {
		t.Errorf("ETA without expectation = %v, want 0", s.ETA)
	}
}

func TestCounter_ThrottlesProgressLines(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := &recordingLogger{}
	c := NewCounter(logger, clock, 10*time.Second)

	c.Add("ADDED", 1)
	c.Add("ADDED", 1)
	clock.advance(11 * time.Second)
	c.Add("ADDED", 1)
	c.Add("ADDED", 1)

	if len(logger.infos) != 1 || logger.infos[0] != "progress" {
		t.Errorf("info lines = %v, want one progress line", logger.infos)
	}
}

func TestCounter_WriteTextfile(t *testing.T) {
	c := NewCounter(nil, nil, 0)
	c.Add("MATCHED", 2048)
	c.Add("MISMATCHED", 10)
	c.Observe("upload", 1500*time.Millisecond)

	path := filepath.Join(t.TempDir(), "sitesync.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		`sitesync_files_total{state="MATCHED"} 1`,
		`sitesync_files_total{state="MISMATCHED"} 1`,
		`sitesync_bytes_total 2058`,
		`sitesync_file_phase_seconds_count{phase="upload"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("textfile missing %q:\n%s", want, text)
		}
	}
}

func TestETA(t *testing.T) {
	tests := []struct {
		name                              string
		elapsed                           time.Duration
		files, expFiles, bytes, expBytes int64
		want                              time.Duration
	}{
		{"bytes ratio", 30 * time.Second, 1, 10, 25, 100, 90 * time.Second},
		{"file ratio", 10 * time.Second, 1, 2, 0, 0, 10 * time.Second},
		{"done", 10 * time.Second, 2, 2, 0, 0, 0},
		{"unknown", 10 * time.Second, 0, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eta(tt.elapsed, tt.files, tt.expFiles, tt.bytes, tt.expBytes); got != tt.want {
				t.Errorf("eta() = %v, want %v", got, tt.want)
			}
		})
	}
}
