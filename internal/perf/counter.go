package perf

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sitesync/internal/core"
)

// DefaultInterval is the minimum time between two progress lines.
const DefaultInterval = 10 * time.Second

// Counter tracks files and bytes processed by a scan or an upload. A
// session is one phase of the run (one modality, one size tier); the
// cumulative totals span every session of the process.
type Counter struct {
	logger   core.Logger
	clock    core.Clock
	interval time.Duration

	mu           sync.Mutex
	label        string
	sessionStart time.Time
	lastLog      time.Time
	expFiles     int64
	expBytes     int64
	files        int64
	bytes        int64
	cumFiles     int64
	cumBytes     int64
	states       map[string]int64

	registry *prometheus.Registry
	filesVec *prometheus.CounterVec
	bytesCtr prometheus.Counter
	phases   *prometheus.HistogramVec
}

// NewCounter creates a counter that logs through logger at most once per
// interval. A zero interval means DefaultInterval.
func NewCounter(logger core.Logger, clock core.Clock, interval time.Duration) *Counter {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	now := clock.Now()
	return &Counter{
		logger:       logger,
		clock:        clock,
		interval:     interval,
		sessionStart: now,
		lastLog:      now,
		states:       make(map[string]int64),
		registry:     reg,
		filesVec: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_files_total",
			Help: "Files processed, by resulting state",
		}, []string{"state"}),
		bytesCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_bytes_total",
			Help: "Bytes of files processed",
		}),
		phases: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitesync_file_phase_seconds",
			Help:    "Per-file duration of hash, upload and verify phases",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"phase"}),
	}
}

// StartSession resets the session totals. expFiles and expBytes, when
// positive, enable the ETA in progress lines.
func (c *Counter) StartSession(label string, expFiles, expBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.label = label
	c.sessionStart = now
	c.lastLog = now
	c.expFiles = expFiles
	c.expBytes = expBytes
	c.files = 0
	c.bytes = 0
}

// Add records one processed file.
func (c *Counter) Add(state string, bytes int64) {
	c.filesVec.WithLabelValues(state).Inc()
	if bytes > 0 {
		c.bytesCtr.Add(float64(bytes))
	}

	c.mu.Lock()
	c.files++
	c.bytes += bytes
	c.cumFiles++
	c.cumBytes += bytes
	c.states[state]++
	now := c.clock.Now()
	due := now.Sub(c.lastLog) >= c.interval
	if due {
		c.lastLog = now
	}
	snap := c.snapshotLocked(now)
	c.mu.Unlock()

	if due {
		c.logger.Info("progress", snap.args()...)
	}
}

// Observe records the duration of one per-file phase ("hash", "upload",
// "verify").
func (c *Counter) Observe(phase string, d time.Duration) {
	c.phases.WithLabelValues(phase).Observe(d.Seconds())
}

// Snapshot is a point-in-time view of a Counter.
type Snapshot struct {
	Label    string
	Files    int64
	Bytes    int64
	CumFiles int64
	CumBytes int64
	Elapsed  time.Duration
	ETA      time.Duration // zero when unknown
	States   map[string]int64
}

// Snapshot returns the current totals.
func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.clock.Now())
}

func (c *Counter) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Label:    c.label,
		Files:    c.files,
		Bytes:    c.bytes,
		CumFiles: c.cumFiles,
		CumBytes: c.cumBytes,
		Elapsed:  now.Sub(c.sessionStart),
		States:   make(map[string]int64, len(c.states)),
	}
	for k, v := range c.states {
		s.States[k] = v
	}
	s.ETA = eta(s.Elapsed, c.files, c.expFiles, c.bytes, c.expBytes)
	return s
}

// eta extrapolates the remaining time from the bytes ratio when sizes are
// known and from the file ratio otherwise.
func eta(elapsed time.Duration, files, expFiles, bytes, expBytes int64) time.Duration {
	var done float64
	switch {
	case expBytes > 0 && bytes > 0:
		done = float64(bytes) / float64(expBytes)
	case expFiles > 0 && files > 0:
		done = float64(files) / float64(expFiles)
	default:
		return 0
	}
	if done >= 1 {
		return 0
	}
	total := time.Duration(float64(elapsed) / done)
	return (total - elapsed).Round(time.Second)
}

// Rate returns the session throughput in bytes per second.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

func (s Snapshot) args() []any {
	args := []any{
		"phase", s.Label,
		"files", s.Files,
		"bytes", humanize.IBytes(uint64(s.Bytes)),
		"rate", humanize.IBytes(uint64(s.Rate())) + "/s",
		"total_files", s.CumFiles,
		"total_bytes", humanize.IBytes(uint64(s.CumBytes)),
	}
	if s.ETA > 0 {
		args = append(args, "eta", s.ETA.String())
	}
	return args
}

// LogSummary writes the final totals of the process.
func (c *Counter) LogSummary(msg string) {
	s := c.Snapshot()
	args := []any{
		"files", s.CumFiles,
		"bytes", humanize.IBytes(uint64(s.CumBytes)),
	}
	for _, st := range slices.Sorted(maps.Keys(s.States)) {
		args = append(args, st, s.States[st])
	}
	c.logger.Info(msg, args...)
}

// WriteTextfile writes the counters in the Prometheus text format for the
// node exporter's textfile collector.
func (c *Counter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}

// Gatherer exposes the counter's registry.
func (c *Counter) Gatherer() prometheus.Gatherer { return c.registry }
