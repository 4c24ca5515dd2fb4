// Package history records every invocation in the journal's command history
// with its secrets removed.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sitesync/internal/core"
)

// secretMarkers are substrings of parameter names whose values never reach
// the journal.
var secretMarkers = []string{
	"sas_token",
	"account_key",
	"access_key",
	"secret",
	"connection_string",
	"session_token",
	"password",
}

// IsSecret reports whether a parameter name holds a credential.
func IsSecret(name string) bool {
	n := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for _, m := range secretMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

// StripQuery removes the query of a URL, where SAS tokens travel.
func StripQuery(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}

// Sanitize returns a copy of params without secret entries. Nested maps are
// sanitized too and string values lose any URL query.
func Sanitize(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if IsSecret(k) {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = Sanitize(val)
		case string:
			out[k] = StripQuery(val)
		case []string:
			clean := make([]string, len(val))
			for i, s := range val {
				clean[i] = StripQuery(s)
			}
			out[k] = clean
		default:
			out[k] = v
		}
	}
	return out
}

// Operation is one invocation. It is built in memory with ID 0 and gets its
// ID once recorded.
type Operation struct {
	ID       int64
	Command  string
	Common   map[string]any
	Params   map[string]any
	SrcPaths []string
	DestPath string
	start    time.Time
}

// NewOperation creates an unrecorded operation.
func NewOperation(command string, common, params map[string]any) *Operation {
	return &Operation{Command: command, Common: common, Params: params}
}

// Persisted reports whether the operation has been recorded.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Recorder writes operations to a journal.
type Recorder struct {
	journal core.Journal
	clock   core.Clock
}

// NewRecorder creates a recorder. clock may be nil.
func NewRecorder(journal core.Journal, clock core.Clock) *Recorder {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Recorder{journal: journal, clock: clock}
}

// Start records op and sets its ID. Recording twice is a no-op.
func (r *Recorder) Start(ctx context.Context, op *Operation) error {
	if op.Persisted() {
		return nil
	}
	common, err := encode(op.Common)
	if err != nil {
		return err
	}
	params, err := encode(op.Params)
	if err != nil {
		return err
	}
	srcs := make([]string, len(op.SrcPaths))
	for i, s := range op.SrcPaths {
		srcs[i] = StripQuery(s)
	}

	op.start = r.clock.Now()
	id, err := r.journal.CreateCommand(ctx, &core.Command{
		Datetime:     op.start,
		CommonParams: common,
		Command:      op.Command,
		Params:       params,
		SrcPaths:     strings.Join(srcs, ","),
		DestPath:     StripQuery(op.DestPath),
	})
	if err != nil {
		return err
	}
	op.ID = id
	return nil
}

// Finish stores the duration of a recorded operation.
func (r *Recorder) Finish(ctx context.Context, op *Operation) error {
	if !op.Persisted() {
		return nil
	}
	return r.journal.FinishCommand(ctx, op.ID, r.clock.Now().Sub(op.start))
}

func encode(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(Sanitize(params))
	if err != nil {
		return "", fmt.Errorf("encoding command parameters: %w", err)
	}
	return string(b), nil
}
