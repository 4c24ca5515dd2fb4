package upload

import (
	"context"
	"fmt"

	"sitesync/internal/core"
)

// DefaultFlushEvery is the number of queued upload marks written per batch.
const DefaultFlushEvery = 1000

// collector queues upload marks and writes them in batches. It is used from
// the collecting goroutine only.
type collector struct {
	journal core.Journal
	every   int
	pending []core.UploadMark
	marked  int
}

func newCollector(journal core.Journal, every int) *collector {
	if every <= 0 {
		every = DefaultFlushEvery
	}
	return &collector{journal: journal, every: every}
}

func (c *collector) add(ctx context.Context, marks ...core.UploadMark) error {
	c.pending = append(c.pending, marks...)
	if len(c.pending) >= c.every {
		return c.flush(ctx)
	}
	return nil
}

// flush writes the queued marks. It ignores ctx cancellation so that
// verified transfers reach the journal during teardown.
func (c *collector) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.journal.MarkUploadedWithDuration(context.WithoutCancel(ctx), c.pending); err != nil {
		return fmt.Errorf("recording %d upload marks: %w", len(c.pending), err)
	}
	c.marked += len(c.pending)
	c.pending = c.pending[:0]
	return nil
}
