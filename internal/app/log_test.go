package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "scan finished",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tscan finished\n",
		},
		{
			name:    "warning",
			runID:   "run-456",
			level:   slog.LevelWarn,
			message: "MISSING_DEST",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tMISSING_DEST\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "uploaded",
			attrs:   []slog.Attr{slog.String("path", "OMOP/0.csv"), slog.Int("size", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\tuploaded\tpath=OMOP/0.csv\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newRunHandler(&buf, tt.runID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestRunHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newRunHandler(&buf, "run-1", nil)

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "upload")}).(*runHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "tier started", 0)
	r.AddAttrs(slog.String("tier", "1"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=upload") {
		t.Errorf("expected pre-set attr component=upload, got: %q", got)
	}
	if !strings.Contains(got, "tier=1") {
		t.Errorf("expected record attr tier=1, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestRunHandler_Enabled(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		check slog.Level
		want  bool
	}{
		{"info hides debug", slog.LevelInfo, slog.LevelDebug, false},
		{"info shows info", slog.LevelInfo, slog.LevelInfo, true},
		{"info shows warn", slog.LevelInfo, slog.LevelWarn, true},
		{"debug shows debug", slog.LevelDebug, slog.LevelDebug, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunHandler(io.Discard, "", tt.level)
			if got := h.Enabled(context.Background(), tt.check); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var stderr bytes.Buffer

	logger, f, err := newLogger(dir, "run-x", false, &stderr)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "n", 1)
	f.Close()

	b, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if string(b) != stderr.String() {
		t.Errorf("log file and stderr differ:\n%q\n%q", b, stderr.String())
	}
	if strings.Contains(string(b), "hidden") {
		t.Error("debug line written without -v")
	}
	if !strings.Contains(string(b), "\trun-x\tshown\tn=1\n") {
		t.Errorf("log = %q", b)
	}
}
